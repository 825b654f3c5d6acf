package postoffice

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"

	"github.com/rmacdonaldsmith/postoffice-go/pkg/postoffice"
)

// MaxDivertDepth bounds the chain of diverts a message may follow
const MaxDivertDepth = 10

// ErrDivertLoop is returned when a message exceeds MaxDivertDepth
var ErrDivertLoop = errors.New("divert chain too deep")

// routingContext carries the state of routing one message
type routingContext struct {
	msg    *postoffice.Message
	tx     postoffice.Transaction
	result *postoffice.RouteResult
}

// Route routes the message to the bindings of its address
func (p *PostOffice) Route(ctx context.Context, msg *postoffice.Message) (*postoffice.RouteResult, error) {
	return p.route(ctx, msg, nil, 0)
}

// RouteWithTransaction routes the message, staging every enqueue in tx.
// A nil tx routes without transaction.
func (p *PostOffice) RouteWithTransaction(ctx context.Context, msg *postoffice.Message, tx postoffice.Transaction) (*postoffice.RouteResult, error) {
	return p.route(ctx, msg, tx, 0)
}

func (p *PostOffice) route(ctx context.Context, msg *postoffice.Message, tx postoffice.Transaction, depth int) (*postoffice.RouteResult, error) {
	if msg == nil {
		return nil, postoffice.ErrNilMessage
	}
	if p.closed.Load() {
		return nil, postoffice.ErrPostOfficeClosed
	}
	if depth > MaxDivertDepth {
		return nil, ErrDivertLoop
	}

	start := time.Now()
	rc := &routingContext{
		msg: msg,
		tx:  tx,
		result: &postoffice.RouteResult{
			MessageID: msg.ID(),
			Address:   msg.Address(),
		},
	}

	ab := p.index.resolve(msg.Address())
	if ab == nil {
		return p.noRoute(ctx, rc)
	}

	release := func() {}
	if msg.HasDuplicateID() {
		cache := p.duplicateIDCache(msg.Address())
		id := msg.DuplicateID()
		if !cache.AddIfAbsent(id) {
			rc.result.Duplicate = true
			p.metrics.Duplicates().Add(ctx, 1)
			p.logger.Debugf("dropped duplicate message=%s on address=%s", msg.ID(), msg.Address())
			return rc.result, nil
		}
		if tx != nil {
			tx.AfterRollback(func() { cache.Release(id) })
		} else {
			release = func() { cache.Release(id) }
		}
	}

	targets := p.selectTargets(rc, ab)
	if len(targets) == 0 {
		release()
		return p.noRoute(ctx, rc)
	}

	err := p.deliver(ctx, rc, targets, depth)
	if tx == nil && len(rc.result.Targets) == 0 {
		release()
	}

	attrs := metric.WithAttributes(attribute.String("routing.type", ab.RoutingType().String()))
	if len(rc.result.Targets) > 0 {
		p.metrics.Routed().Add(ctx, 1, attrs)
	}
	p.metrics.RouteDuration().Record(ctx, float64(time.Since(start))/float64(time.Millisecond), attrs)
	return rc.result, err
}

func (p *PostOffice) noRoute(ctx context.Context, rc *routingContext) (*postoffice.RouteResult, error) {
	p.metrics.NoRoute().Add(ctx, 1)
	if p.noRouteHandler != nil {
		if err := p.noRouteHandler(ctx, rc.msg, rc.tx); err != nil {
			return rc.result, err
		}
		return rc.result, nil
	}
	return rc.result, postoffice.NewErrNoRoute(rc.msg.Address(), rc.msg.DuplicateID())
}

// selectTargets applies the distribution policy of the address to the active
// bindings accepting the message
func (p *PostOffice) selectTargets(rc *routingContext, ab *addressBindings) []postoffice.Binding {
	var (
		exclusive []postoffice.Binding
		diverts   []postoffice.Binding
		queues    []postoffice.Binding
	)
	for _, b := range ab.view() {
		if b.State() != postoffice.BindingActive || !b.Accepts(rc.msg) {
			continue
		}
		switch v := b.(type) {
		case *postoffice.DivertBinding:
			if v.Exclusive() {
				exclusive = append(exclusive, b)
			} else {
				diverts = append(diverts, b)
			}
		case *postoffice.LocalQueueBinding, *postoffice.RemoteQueueBinding:
			queues = append(queues, b)
		}
	}

	if len(exclusive) > 0 {
		return exclusive
	}
	targets := diverts
	if len(queues) == 0 {
		return targets
	}

	switch ab.RoutingType() {
	case postoffice.Multicast:
		return append(targets, queues...)
	default:
		if chosen := p.chooseAnycast(rc, ab, queues); chosen != nil {
			targets = append(targets, chosen)
		}
		return targets
	}
}

// chooseAnycast picks one queue binding. Local bindings and remote bindings with
// consumers are preferred, then bindings with room. A group keeps its binding
// for as long as it is a candidate.
func (p *PostOffice) chooseAnycast(rc *routingContext, ab *addressBindings, queues []postoffice.Binding) postoffice.Binding {
	preferred := make([]postoffice.Binding, 0, len(queues))
	for _, b := range queues {
		if remote, ok := b.(*postoffice.RemoteQueueBinding); ok && remote.ConsumerCount() == 0 {
			continue
		}
		preferred = append(preferred, b)
	}
	if len(preferred) == 0 {
		preferred = queues
	}

	choose := func() postoffice.Binding {
		return ab.roundRobin(preferred, p.hasRoom)
	}
	if groupID := rc.msg.GroupID(); groupID != "" && p.grouping != nil {
		return p.grouping.Resolve(ab.Address(), groupID, queues, choose)
	}
	return choose()
}

func (p *PostOffice) hasRoom(b postoffice.Binding) bool {
	local, ok := b.(*postoffice.LocalQueueBinding)
	if !ok || p.pagingManager == nil {
		return true
	}
	return !p.pagingManager.IsFull(local.Queue())
}

// deliver hands the message to every target. Without transaction a failing target
// does not stop the others and the failures are combined. Within a transaction the
// first failure marks the transaction rollback-only.
func (p *PostOffice) deliver(ctx context.Context, rc *routingContext, targets []postoffice.Binding, depth int) error {
	var errs error
	for _, target := range targets {
		if err := p.deliverTo(ctx, rc, target, depth); err != nil {
			if rc.tx != nil {
				rc.tx.SetRollbackOnly(err)
				return postoffice.NewErrTransactionRollback(rc.tx.ID(), err)
			}
			p.logger.Warnf("failed to deliver message=%s to binding=%s: %v", rc.msg.ID(), target.UniqueName(), err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (p *PostOffice) deliverTo(ctx context.Context, rc *routingContext, target postoffice.Binding, depth int) error {
	switch b := target.(type) {
	case *postoffice.LocalQueueBinding:
		q := &pagingQueue{Queue: b.Queue(), binding: b.UniqueName(), manager: p.pagingManager}
		result := rc.result
		paged := func(ctx context.Context) {
			result.Paged = append(result.Paged, b.UniqueName())
			p.metrics.Paged().Add(ctx, 1)
		}
		if rc.tx != nil {
			// the commit decides about paging and reports it into the result
			q.onPaged = paged
			if err := rc.tx.Enlist(q, rc.msg); err != nil {
				return err
			}
		} else {
			wasPaged, err := q.enqueue(ctx, rc.msg)
			if err != nil {
				return err
			}
			if wasPaged {
				paged(ctx)
			}
		}
	case *postoffice.RemoteQueueBinding:
		if err := p.enqueue(ctx, rc, b.Queue()); err != nil {
			return err
		}
	case *postoffice.DivertBinding:
		result, err := p.route(ctx, b.Forward(rc.msg), rc.tx, depth+1)
		if errors.Is(err, postoffice.ErrNoRoute) {
			p.logger.Debugf("divert=%s forward address=%s has no route", b.UniqueName(), b.ForwardAddress())
			return nil
		}
		if err != nil {
			return err
		}
		if result.Duplicate || len(result.Targets) == 0 {
			return nil
		}
	default:
		return postoffice.ErrInvalidBinding
	}
	rc.result.Targets = append(rc.result.Targets, target.UniqueName())
	return nil
}

func (p *PostOffice) enqueue(ctx context.Context, rc *routingContext, q postoffice.Queue) error {
	if rc.tx != nil {
		return rc.tx.Enlist(q, rc.msg)
	}
	return q.Enqueue(ctx, rc.msg)
}

// Redistribute moves msg from originatingQueue to a remote binding of its address
// with consumers. It makes a single attempt: false with a nil error means no
// eligible binding exists or the originating queue still has local consumers.
func (p *PostOffice) Redistribute(ctx context.Context, msg *postoffice.Message, originatingQueue string, tx postoffice.Transaction) (bool, error) {
	if msg == nil {
		return false, postoffice.ErrNilMessage
	}
	if p.closed.Load() {
		return false, postoffice.ErrPostOfficeClosed
	}
	if origin, ok := p.index.get(originatingQueue); ok {
		if local, ok := origin.(*postoffice.LocalQueueBinding); ok && local.ConsumerCount() > 0 {
			return false, nil
		}
	}

	ab := p.index.resolve(msg.Address())
	if ab == nil {
		return false, nil
	}

	var candidates []postoffice.Binding
	for _, b := range ab.view() {
		remote, ok := b.(*postoffice.RemoteQueueBinding)
		if !ok || remote.UniqueName() == originatingQueue {
			continue
		}
		if remote.State() != postoffice.BindingActive || remote.ConsumerCount() == 0 || !remote.Accepts(msg) {
			continue
		}
		candidates = append(candidates, remote)
	}
	if len(candidates) == 0 {
		return false, nil
	}

	target := ab.roundRobin(candidates, func(postoffice.Binding) bool { return true })
	rc := &routingContext{
		msg:    msg,
		tx:     tx,
		result: &postoffice.RouteResult{MessageID: msg.ID(), Address: msg.Address()},
	}
	if err := p.deliverTo(ctx, rc, target, 0); err != nil {
		if tx != nil {
			tx.SetRollbackOnly(err)
			return false, postoffice.NewErrTransactionRollback(tx.ID(), err)
		}
		return false, err
	}

	p.metrics.Redistributed().Add(ctx, 1)
	p.logger.Debugf("redistributed message=%s from queue=%s to binding=%s", msg.ID(), originatingQueue, target.UniqueName())
	return true, nil
}

// SendQueueInfoToQueue delivers one binding added message per active binding of
// address straight into the named local queue, bypassing routing. A pattern address
// describes every binding declared on a matching address.
func (p *PostOffice) SendQueueInfoToQueue(ctx context.Context, queueName, addr string) error {
	p.notificationMu.Lock()
	defer p.notificationMu.Unlock()

	binding, ok := p.index.get(queueName)
	if !ok {
		return postoffice.NewErrBindingNotFound(queueName)
	}
	local, ok := binding.(*postoffice.LocalQueueBinding)
	if !ok {
		return postoffice.NewErrBindingNotFound(queueName)
	}

	var bindings []postoffice.Binding
	if p.matcher.IsPattern(addr) {
		bindings = p.index.matching(addr)
	} else if ab := p.index.lookup(addr); ab != nil {
		bindings = ab.view()
	}

	q := &pagingQueue{Queue: local.Queue(), binding: local.UniqueName(), manager: p.pagingManager}
	var err error
	for _, b := range bindings {
		if b.State() != postoffice.BindingActive {
			continue
		}
		headers := postoffice.BindingInfoHeaders(b)
		headers[postoffice.HeaderNotificationType] = postoffice.NotificationBindingAdded.String()
		info := postoffice.NewMessageWithHeaders(local.Address(), nil, headers)
		err = multierr.Append(err, q.Enqueue(ctx, info))
	}
	return err
}

// DeliverToQueue enqueues msg into the named local queue without routing,
// paging it when the queue is full
func (p *PostOffice) DeliverToQueue(ctx context.Context, queueName string, msg *postoffice.Message) error {
	if msg == nil {
		return postoffice.ErrNilMessage
	}
	if p.closed.Load() {
		return postoffice.ErrPostOfficeClosed
	}
	binding, ok := p.index.get(queueName)
	if !ok {
		return postoffice.NewErrBindingNotFound(queueName)
	}
	local, ok := binding.(*postoffice.LocalQueueBinding)
	if !ok || local.State() != postoffice.BindingActive {
		return postoffice.NewErrBindingNotFound(queueName)
	}
	q := &pagingQueue{Queue: local.Queue(), binding: local.UniqueName(), manager: p.pagingManager}
	return q.Enqueue(ctx, msg)
}
