package postoffice

import (
	"context"

	"github.com/rmacdonaldsmith/postoffice-go/pkg/postoffice"
)

// pagingQueue consults the paging manager before every enqueue.
// Transactions enlist it so the decision is taken at commit time.
type pagingQueue struct {
	postoffice.Queue
	binding string
	manager postoffice.PagingManager
	// onPaged, when set, is told about every paged enqueue
	onPaged func(ctx context.Context)
}

// Enqueue adds msg to the queue, or pages it when the queue is full
func (q *pagingQueue) Enqueue(ctx context.Context, msg *postoffice.Message) error {
	paged, err := q.enqueue(ctx, msg)
	if paged && q.onPaged != nil {
		q.onPaged(ctx)
	}
	return err
}

func (q *pagingQueue) enqueue(ctx context.Context, msg *postoffice.Message) (bool, error) {
	if q.manager != nil && q.manager.IsFull(q.Queue) {
		if err := q.manager.Page(ctx, q.Queue, msg); err != nil {
			return false, postoffice.NewErrPagingFailure(q.binding, err)
		}
		return true, nil
	}
	return false, q.Queue.Enqueue(ctx, msg)
}
