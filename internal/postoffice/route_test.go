package postoffice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/rmacdonaldsmith/postoffice-go/internal/grouping"
	"github.com/rmacdonaldsmith/postoffice-go/internal/paging"
	"github.com/rmacdonaldsmith/postoffice-go/internal/queue"
	"github.com/rmacdonaldsmith/postoffice-go/internal/transaction"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/log"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/postoffice"
)

func addRemote(t *testing.T, p *PostOffice, name, addr, nodeID string, consumers int) (*postoffice.RemoteQueueBinding, *queue.MemoryQueue) {
	t.Helper()
	proxy := queue.NewMemoryQueue(name, addr)
	binding := postoffice.NewRemoteQueueBinding(name, addr, nodeID, proxy)
	binding.SetConsumerCount(consumers)
	require.NoError(t, p.AddBinding(context.Background(), binding))
	return binding, proxy
}

func TestRoute_NoRoute(t *testing.T) {
	ctx := context.Background()
	p := newTestPostOffice(t)

	msg := postoffice.NewMessage("nowhere", []byte("x")).WithDuplicateID([]byte("dup-1"))
	result, err := p.Route(ctx, msg)
	require.ErrorIs(t, err, postoffice.ErrNoRoute)
	assert.Empty(t, result.Targets)
	assert.False(t, p.GetDuplicateIDCache("nowhere").Contains([]byte("dup-1")))

	_, err = p.Route(ctx, nil)
	assert.ErrorIs(t, err, postoffice.ErrNilMessage)

	t.Run("no route handler", func(t *testing.T) {
		deadLetter := queue.NewMemoryQueue("dlq", "dlq")
		p := newTestPostOffice(t, WithNoRouteHandler(func(ctx context.Context, msg *postoffice.Message, _ postoffice.Transaction) error {
			return deadLetter.Enqueue(ctx, msg)
		}))
		result, err := p.Route(ctx, postoffice.NewMessage("nowhere", []byte("x")))
		require.NoError(t, err)
		assert.Empty(t, result.Targets)
		assert.Equal(t, 1, deadLetter.MessageCount())
	})
}

func TestRoute_Anycast(t *testing.T) {
	ctx := context.Background()
	p := newTestPostOffice(t)
	q1 := addQueue(t, p, "q1", "orders")
	q2 := addQueue(t, p, "q2", "orders")

	for i := 0; i < 10; i++ {
		result, err := p.Route(ctx, postoffice.NewMessage("orders", []byte(fmt.Sprintf("m%d", i))))
		require.NoError(t, err)
		require.Len(t, result.Targets, 1)
	}
	assert.Equal(t, 5, q1.MessageCount())
	assert.Equal(t, 5, q2.MessageCount())
}

func TestRoute_Multicast(t *testing.T) {
	ctx := context.Background()
	p := newTestPostOffice(t, WithDefaultRoutingType(postoffice.Multicast))
	queues := []*queue.MemoryQueue{
		addQueue(t, p, "q1", "prices"),
		addQueue(t, p, "q2", "prices"),
		addQueue(t, p, "q3", "prices"),
	}

	result, err := p.Route(ctx, postoffice.NewMessage("prices", []byte("42")))
	require.NoError(t, err)
	assert.Equal(t, []string{"q1", "q2", "q3"}, result.Targets)
	for _, q := range queues {
		assert.Equal(t, 1, q.MessageCount())
	}
}

func TestRoute_Filters(t *testing.T) {
	ctx := context.Background()
	p := newTestPostOffice(t, WithDefaultRoutingType(postoffice.Multicast))
	eu := addQueue(t, p, "eu", "orders", postoffice.WithFilter(postoffice.HeaderFilter{"region": "eu"}))
	all := addQueue(t, p, "all", "orders")

	_, err := p.Route(ctx, postoffice.NewMessage("orders", nil).WithHeader("region", "us"))
	require.NoError(t, err)
	_, err = p.Route(ctx, postoffice.NewMessage("orders", nil).WithHeader("region", "eu"))
	require.NoError(t, err)

	assert.Equal(t, 1, eu.MessageCount())
	assert.Equal(t, 2, all.MessageCount())

	_, err = p.RemoveBinding(ctx, "all")
	require.NoError(t, err)
	_, err = p.Route(ctx, postoffice.NewMessage("orders", nil).WithHeader("region", "us"))
	assert.ErrorIs(t, err, postoffice.ErrNoRoute, "a message no filter accepts has no route")
}

func TestRoute_DuplicateDetection(t *testing.T) {
	ctx := context.Background()
	p := newTestPostOffice(t)
	q := addQueue(t, p, "q1", "orders")

	msg := postoffice.NewMessage("orders", []byte("x")).WithDuplicateID([]byte("order-1"))
	result, err := p.Route(ctx, msg)
	require.NoError(t, err)
	assert.False(t, result.Duplicate)

	result, err = p.Route(ctx, msg)
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Empty(t, result.Targets)
	assert.Equal(t, 1, q.MessageCount(), "a duplicate is delivered at most once")

	// the cache is per address
	addQueue(t, p, "q2", "invoices")
	result, err = p.Route(ctx, msg.WithAddress("invoices"))
	require.NoError(t, err)
	assert.False(t, result.Duplicate)

	cache := p.GetDuplicateIDCache("orders")
	assert.True(t, cache.Contains([]byte("order-1")))
	assert.Equal(t, 2000, cache.Capacity())
}

func TestRoute_DuplicateReleasedWhenNothingAccepts(t *testing.T) {
	ctx := context.Background()
	p := newTestPostOffice(t)
	q := addQueue(t, p, "q1", "orders")
	require.NoError(t, q.Close())

	msg := postoffice.NewMessage("orders", []byte("x")).WithDuplicateID([]byte("order-1"))
	result, err := p.Route(ctx, msg)
	require.ErrorIs(t, err, postoffice.ErrQueueClosed)
	assert.Empty(t, result.Targets)
	assert.False(t, p.GetDuplicateIDCache("orders").Contains([]byte("order-1")), "a resend must not be dropped")
}

// gatedQueue blocks every enqueue until release is closed, then fails it
type gatedQueue struct {
	entered chan struct{}
	release chan struct{}
}

func (q *gatedQueue) Name() string    { return "gated" }
func (q *gatedQueue) Address() string { return "orders" }

func (q *gatedQueue) Enqueue(ctx context.Context, msg *postoffice.Message) error {
	q.entered <- struct{}{}
	<-q.release
	return errors.New("enqueue failed")
}

func TestRoute_DuplicateKeptAfterConcurrentRejection(t *testing.T) {
	ctx := context.Background()
	p := newTestPostOffice(t)
	q := &gatedQueue{entered: make(chan struct{}, 1), release: make(chan struct{})}
	require.NoError(t, p.AddBinding(ctx, postoffice.NewLocalQueueBinding("gated", "orders", q)))

	msg := postoffice.NewMessage("orders", nil).WithDuplicateID([]byte("order-1"))
	first := make(chan error, 1)
	go func() {
		_, err := p.Route(ctx, msg)
		first <- err
	}()
	<-q.entered

	result, err := p.Route(ctx, msg)
	require.NoError(t, err)
	assert.True(t, result.Duplicate)

	close(q.release)
	require.Error(t, <-first)
	assert.True(t, p.GetDuplicateIDCache("orders").Contains([]byte("order-1")),
		"an id reported as duplicate stays held after the first route fails")
}

func TestRoute_DuplicateConcurrent(t *testing.T) {
	ctx := context.Background()
	p := newTestPostOffice(t)
	q := addQueue(t, p, "q1", "orders")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Route(ctx, postoffice.NewMessage("orders", nil).WithDuplicateID([]byte("same")))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, q.MessageCount())
}

func TestRoute_Transaction(t *testing.T) {
	ctx := context.Background()
	p := newTestPostOffice(t, WithDefaultRoutingType(postoffice.Multicast))
	q1 := addQueue(t, p, "q1", "orders")
	q2 := addQueue(t, p, "q2", "orders")

	t.Run("rollback", func(t *testing.T) {
		tx := transaction.New(transaction.WithLogger(log.DiscardLogger))
		msg := postoffice.NewMessage("orders", []byte("x")).WithDuplicateID([]byte("tx-1"))
		result, err := p.RouteWithTransaction(ctx, msg, tx)
		require.NoError(t, err)
		assert.Equal(t, []string{"q1", "q2"}, result.Targets)
		assert.Equal(t, 0, q1.MessageCount(), "enqueues are staged until commit")
		assert.True(t, p.GetDuplicateIDCache("orders").Contains([]byte("tx-1")))

		require.NoError(t, tx.Rollback(ctx))
		assert.Equal(t, 0, q1.MessageCount())
		assert.Equal(t, 0, q2.MessageCount())
		assert.False(t, p.GetDuplicateIDCache("orders").Contains([]byte("tx-1")), "rollback forgets the duplicate id")
	})

	t.Run("commit", func(t *testing.T) {
		tx := transaction.New(transaction.WithLogger(log.DiscardLogger))
		for i := 0; i < 3; i++ {
			_, err := p.RouteWithTransaction(ctx, postoffice.NewMessage("orders", []byte{byte(i)}), tx)
			require.NoError(t, err)
		}
		require.NoError(t, tx.Commit(ctx))
		assert.Equal(t, 3, q1.MessageCount())
		assert.Equal(t, 3, q2.MessageCount())
	})

	t.Run("nil transaction", func(t *testing.T) {
		result, err := p.RouteWithTransaction(ctx, postoffice.NewMessage("orders", nil), nil)
		require.NoError(t, err)
		assert.Len(t, result.Targets, 2)
	})
}

func TestRoute_Paging(t *testing.T) {
	ctx := context.Background()
	manager, err := paging.NewManager(paging.Config{
		QueueMaxSizeBytes: map[string]int64{"q1": 1, "q2": 1},
	}, paging.NewMemoryStore(), paging.WithLogger(log.DiscardLogger))
	require.NoError(t, err)
	defer manager.Close()

	p := newTestPostOffice(t, WithPagingManager(manager))
	assert.Same(t, manager, p.GetPagingManager())
	q1 := addQueue(t, p, "q1", "orders")
	q2 := addQueue(t, p, "q2", "orders")

	// q1 fills up, the next message goes to q2 which has room
	result, err := p.Route(ctx, postoffice.NewMessage("orders", []byte("a")))
	require.NoError(t, err)
	assert.Equal(t, []string{"q1"}, result.Targets)
	result, err = p.Route(ctx, postoffice.NewMessage("orders", []byte("b")))
	require.NoError(t, err)
	assert.Equal(t, []string{"q2"}, result.Targets)
	assert.Empty(t, result.Paged)

	// every queue is full, the message is still accepted and paged
	result, err = p.Route(ctx, postoffice.NewMessage("orders", []byte("c")))
	require.NoError(t, err)
	require.Len(t, result.Targets, 1)
	assert.Equal(t, result.Targets, result.Paged)

	assert.Equal(t, 1, q1.MessageCount())
	assert.Equal(t, 1, q2.MessageCount())
	paged, err := manager.PagedCount(ctx, result.Paged[0])
	require.NoError(t, err)
	assert.Equal(t, 1, paged)

	t.Run("transaction", func(t *testing.T) {
		tx := transaction.New(transaction.WithLogger(log.DiscardLogger))
		result, err := p.RouteWithTransaction(ctx, postoffice.NewMessage("orders", []byte("d")), tx)
		require.NoError(t, err)
		require.Len(t, result.Targets, 1)
		assert.Empty(t, result.Paged, "paging is decided at commit")

		require.NoError(t, tx.Commit(ctx))
		assert.Equal(t, result.Targets, result.Paged)
	})
}

type failingPager struct{}

func (failingPager) IsFull(postoffice.Queue) bool { return true }

func (failingPager) Page(context.Context, postoffice.Queue, *postoffice.Message) error {
	return fmt.Errorf("disk full")
}

func TestRoute_PagingFailure(t *testing.T) {
	ctx := context.Background()
	p := newTestPostOffice(t, WithPagingManager(failingPager{}), WithDefaultRoutingType(postoffice.Multicast))
	addQueue(t, p, "q1", "orders")
	_, remote := addRemote(t, p, "remote", "orders", "node-2", 1)

	result, err := p.Route(ctx, postoffice.NewMessage("orders", nil))
	require.ErrorIs(t, err, postoffice.ErrPagingFailure)
	assert.Equal(t, []string{"remote"}, result.Targets, "other targets still receive the message")
	assert.Equal(t, 1, remote.MessageCount())

	tx := transaction.New(transaction.WithLogger(log.DiscardLogger))
	_, err = p.RouteWithTransaction(ctx, postoffice.NewMessage("orders", nil), tx)
	require.NoError(t, err, "paging is decided when the transaction commits")
	err = tx.Commit(ctx)
	assert.ErrorIs(t, err, postoffice.ErrPagingFailure)
}

func TestRoute_Grouping(t *testing.T) {
	ctx := context.Background()
	handler := grouping.NewHandler(grouping.Config{}, grouping.WithLogger(log.DiscardLogger))
	p := newTestPostOffice(t, WithGroupingHandler(handler))
	q1 := addQueue(t, p, "q1", "orders")
	q2 := addQueue(t, p, "q2", "orders")

	for i := 0; i < 100; i++ {
		msg := postoffice.NewMessage("orders", []byte{byte(i)}).WithGroupID("G1")
		_, err := p.Route(ctx, msg)
		require.NoError(t, err)
	}
	counts := []int{q1.MessageCount(), q2.MessageCount()}
	assert.ElementsMatch(t, []int{100, 0}, counts, "a group sticks to one binding")

	affinity, ok := handler.Affinity("orders", "G1")
	require.True(t, ok)

	// removing the bound queue moves the group to the remaining one
	_, err := p.RemoveBinding(ctx, affinity.BindingName)
	require.NoError(t, err)
	result, err := p.Route(ctx, postoffice.NewMessage("orders", nil).WithGroupID("G1"))
	require.NoError(t, err)
	require.Len(t, result.Targets, 1)
	assert.NotEqual(t, affinity.BindingName, result.Targets[0])
}

func TestRoute_GroupingConcurrent(t *testing.T) {
	ctx := context.Background()
	handler := grouping.NewHandler(grouping.Config{}, grouping.WithLogger(log.DiscardLogger))
	p := newTestPostOffice(t, WithGroupingHandler(handler))
	q1 := addQueue(t, p, "q1", "orders")
	q2 := addQueue(t, p, "q2", "orders")

	var wg sync.WaitGroup
	for r := 0; r < 3; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, err := p.Route(ctx, postoffice.NewMessage("orders", nil).WithGroupID("G1"))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, []int{300, 0}, []int{q1.MessageCount(), q2.MessageCount()})
}

func TestRoute_PrefersBindingsWithConsumers(t *testing.T) {
	ctx := context.Background()
	p := newTestPostOffice(t)
	_, idle := addRemote(t, p, "idle", "orders", "node-2", 0)
	_, busy := addRemote(t, p, "busy", "orders", "node-3", 2)

	for i := 0; i < 4; i++ {
		_, err := p.Route(ctx, postoffice.NewMessage("orders", nil))
		require.NoError(t, err)
	}
	assert.Equal(t, 0, idle.MessageCount())
	assert.Equal(t, 4, busy.MessageCount())
}

func TestRoute_Diverts(t *testing.T) {
	ctx := context.Background()

	t.Run("exclusive", func(t *testing.T) {
		p := newTestPostOffice(t)
		orders := addQueue(t, p, "orders", "orders")
		audit := addQueue(t, p, "audit", "audit")
		require.NoError(t, p.AddBinding(ctx, postoffice.NewDivertBinding("to-audit", "orders", "audit", true)))

		result, err := p.Route(ctx, postoffice.NewMessage("orders", []byte("x")))
		require.NoError(t, err)
		assert.Equal(t, []string{"to-audit"}, result.Targets)
		assert.Equal(t, 0, orders.MessageCount())

		entries, err := audit.Browse(ctx, 0, 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "audit", entries[0].Message.Address())
	})

	t.Run("non exclusive with transformer", func(t *testing.T) {
		p := newTestPostOffice(t)
		orders := addQueue(t, p, "orders", "orders")
		audit := addQueue(t, p, "audit", "audit")
		stamp := postoffice.WithTransformer(func(msg *postoffice.Message) *postoffice.Message {
			return msg.WithHeader("diverted", "true")
		})
		require.NoError(t, p.AddBinding(ctx, postoffice.NewDivertBinding("copy", "orders", "audit", false, stamp)))

		result, err := p.Route(ctx, postoffice.NewMessage("orders", []byte("x")))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"copy", "orders"}, result.Targets)
		assert.Equal(t, 1, orders.MessageCount())

		entries, err := audit.Browse(ctx, 0, 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		v, _ := entries[0].Message.Header("diverted")
		assert.Equal(t, "true", v)
	})

	t.Run("loop", func(t *testing.T) {
		p := newTestPostOffice(t)
		require.NoError(t, p.AddBinding(ctx, postoffice.NewDivertBinding("a-to-b", "a", "b", true)))
		require.NoError(t, p.AddBinding(ctx, postoffice.NewDivertBinding("b-to-a", "b", "a", true)))

		_, err := p.Route(ctx, postoffice.NewMessage("a", nil))
		assert.ErrorIs(t, err, ErrDivertLoop)
	})
}

func TestRedistribute(t *testing.T) {
	ctx := context.Background()
	p := newTestPostOffice(t)
	addQueue(t, p, "local", "orders")
	_, remote := addRemote(t, p, "remote", "orders", "node-2", 1)

	msg := postoffice.NewMessage("orders", []byte("x"))
	ok, err := p.Redistribute(ctx, msg, "local", nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, remote.MessageCount())

	ok, err = p.Redistribute(ctx, msg, "remote", nil)
	require.NoError(t, err)
	assert.False(t, ok, "the originating queue is never a candidate")

	t.Run("without consumers", func(t *testing.T) {
		p := newTestPostOffice(t)
		addQueue(t, p, "local", "orders")
		addRemote(t, p, "remote", "orders", "node-2", 0)

		ok, err := p.Redistribute(ctx, msg, "local", nil)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("local consumers", func(t *testing.T) {
		p := newTestPostOffice(t)
		local := addQueue(t, p, "local", "orders")
		_, remote := addRemote(t, p, "remote", "orders", "node-2", 1)

		local.AddConsumer()
		ok, err := p.Redistribute(ctx, msg, "local", nil)
		require.NoError(t, err)
		assert.False(t, ok, "a queue with local consumers keeps its messages")
		assert.Equal(t, 0, remote.MessageCount())

		local.RemoveConsumer()
		ok, err = p.Redistribute(ctx, msg, "local", nil)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, remote.MessageCount())
	})

	t.Run("transaction", func(t *testing.T) {
		tx := transaction.New(transaction.WithLogger(log.DiscardLogger))
		ok, err := p.Redistribute(ctx, msg, "local", tx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, remote.MessageCount())
		require.NoError(t, tx.Commit(ctx))
		assert.Equal(t, 2, remote.MessageCount())
	})
}

func TestSendQueueInfoToQueue(t *testing.T) {
	ctx := context.Background()
	p := newTestPostOffice(t, WithNotificationAddress(""))
	info := addQueue(t, p, "info", "cluster.info")
	addQueue(t, p, "q1", "orders")
	addRemote(t, p, "remote", "orders", "node-2", 3)

	require.NoError(t, p.SendQueueInfoToQueue(ctx, "info", "orders"))
	entries, err := info.Browse(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	first := entries[0].Message
	name, _ := first.Header(postoffice.HeaderBindingName)
	assert.Equal(t, "q1", name)
	notificationType, _ := first.Header(postoffice.HeaderNotificationType)
	assert.Equal(t, "BINDING_ADDED", notificationType)
	consumers, _ := entries[1].Message.Header(postoffice.HeaderConsumerCount)
	assert.Equal(t, "3", consumers)
	nodeID, _ := entries[1].Message.Header(postoffice.HeaderNodeID)
	assert.Equal(t, "node-2", nodeID)

	err = p.SendQueueInfoToQueue(ctx, "missing", "orders")
	assert.ErrorIs(t, err, postoffice.ErrBindingNotFound)
	err = p.SendQueueInfoToQueue(ctx, "remote", "orders")
	assert.ErrorIs(t, err, postoffice.ErrBindingNotFound, "only local queues receive binding info")
}

func TestDeliverToQueue(t *testing.T) {
	ctx := context.Background()
	p := newTestPostOffice(t)
	q := addQueue(t, p, "q1", "orders")

	require.NoError(t, p.DeliverToQueue(ctx, "q1", postoffice.NewMessage("orders", nil)))
	assert.Equal(t, 1, q.MessageCount())
	assert.ErrorIs(t, p.DeliverToQueue(ctx, "missing", postoffice.NewMessage("orders", nil)), postoffice.ErrBindingNotFound)
}

func TestRoute_Metrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(ctx) }()

	p, err := New(WithLogger(log.DiscardLogger), WithMeter(provider.Meter("test")))
	require.NoError(t, err)
	addQueue(t, p, "q1", "orders")

	msg := postoffice.NewMessage("orders", nil).WithDuplicateID([]byte("m1"))
	_, err = p.Route(ctx, msg)
	require.NoError(t, err)
	_, err = p.Route(ctx, msg)
	require.NoError(t, err)
	_, err = p.Route(ctx, postoffice.NewMessage("nowhere", nil))
	require.ErrorIs(t, err, postoffice.ErrNoRoute)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(1), sums["postoffice.messages.routed"])
	assert.Equal(t, int64(1), sums["postoffice.messages.duplicates"])
	assert.Equal(t, int64(1), sums["postoffice.messages.noroute"])
	assert.Equal(t, int64(1), sums["postoffice.bindings.count"])
}
