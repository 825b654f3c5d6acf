// Package paging spills messages of full queues to a page store and restores
// them, in order, once the queues drain.
package paging

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	goset "github.com/deckarep/golang-set/v2"

	"github.com/rmacdonaldsmith/postoffice-go/internal/codec"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/log"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/postoffice"
)

// ErrNilStore is returned when creating a Manager without store
var ErrNilStore = errors.New("page store cannot be nil")

// Config holds configuration for the paging Manager
type Config struct {
	// MaxSizeBytes is the in-memory size from which a queue pages. Zero disables paging.
	MaxSizeBytes int64
	// QueueMaxSizeBytes overrides MaxSizeBytes per queue name
	QueueMaxSizeBytes map[string]int64
}

// memorySizer is implemented by queues that report their in-memory size
type memorySizer interface {
	MemorySize() int64
}

// Manager implements postoffice.PagingManager.
// A queue is full when its memory size reached its limit or while it still has
// paged messages, so that newer messages never overtake paged ones.
type Manager struct {
	config Config
	store  Store
	logger log.Logger

	mu     sync.Mutex // serializes Page and Depage
	paging goset.Set[string]
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger log.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager paging into store.
func NewManager(config Config, store Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	m := &Manager{
		config: config,
		store:  store,
		logger: log.DiscardLogger,
		paging: goset.NewSet[string](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) maxSize(queue string) int64 {
	if size, ok := m.config.QueueMaxSizeBytes[queue]; ok {
		return size
	}
	return m.config.MaxSizeBytes
}

// IsFull reports whether messages for the queue must be paged
func (m *Manager) IsFull(queue postoffice.Queue) bool {
	if m.paging.Contains(queue.Name()) {
		return true
	}
	return m.overLimit(queue)
}

func (m *Manager) overLimit(queue postoffice.Queue) bool {
	limit := m.maxSize(queue.Name())
	if limit <= 0 {
		return false
	}
	sizer, ok := queue.(memorySizer)
	return ok && sizer.MemorySize() >= limit
}

// Page stores the message in the page store of the queue
func (m *Manager) Page(ctx context.Context, queue postoffice.Queue, msg *postoffice.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.store.Append(ctx, queue.Name(), codec.EncodeMessage(msg)); err != nil {
		return err
	}
	if m.paging.Add(queue.Name()) {
		m.logger.Infof("queue %s started paging", queue.Name())
	}
	return nil
}

// Depage moves up to max paged messages back into the queue, oldest first, stopping
// when the queue reaches its limit again. It returns the number of messages moved.
func (m *Manager) Depage(ctx context.Context, queue postoffice.Queue, max int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := queue.Name()
	if !m.paging.Contains(name) {
		return 0, nil
	}

	pages, err := m.store.Read(ctx, name, max)
	if err != nil {
		return 0, err
	}

	moved := 0
	var last uint64
	for _, page := range pages {
		if m.overLimit(queue) {
			break
		}
		msg, err := codec.DecodeMessage(page.Data)
		if err != nil {
			// an undecodable page would block the queue forever
			m.logger.Errorf("dropping corrupt page %d of queue %s: %v", page.Sequence, name, err)
		} else if err := queue.Enqueue(ctx, msg); err != nil {
			if moved > 0 {
				err = errors.Join(err, m.store.Delete(ctx, name, last))
			}
			return moved, fmt.Errorf("depage %s: %w", name, err)
		} else {
			moved++
		}
		last = page.Sequence
	}

	if last > 0 {
		if err := m.store.Delete(ctx, name, last); err != nil {
			return moved, err
		}
	}

	remaining, err := m.store.Count(ctx, name)
	if err != nil {
		return moved, err
	}
	if remaining == 0 {
		m.paging.Remove(name)
		m.logger.Infof("queue %s stopped paging", name)
	}
	return moved, nil
}

// Track marks the queue as paging when the store already holds pages for it,
// as after a restart over a persistent store.
func (m *Manager) Track(ctx context.Context, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	count, err := m.store.Count(ctx, queue)
	if err != nil {
		return err
	}
	if count > 0 {
		m.paging.Add(queue)
		m.logger.Infof("queue %s resumes with %d paged messages", queue, count)
	}
	return nil
}

// PagedCount returns the number of paged messages of the queue
func (m *Manager) PagedCount(ctx context.Context, queue string) (int, error) {
	return m.store.Count(ctx, queue)
}

// IsPaging reports whether the queue has paged messages
func (m *Manager) IsPaging(queue string) bool {
	return m.paging.Contains(queue)
}

// Drop deletes every paged message of the queue, as when its binding is removed
func (m *Manager) Drop(ctx context.Context, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(ctx, queue, math.MaxUint64); err != nil {
		return err
	}
	m.paging.Remove(queue)
	return nil
}

// Ping reports whether the page store is usable
func (m *Manager) Ping(ctx context.Context) error {
	_, err := m.store.Count(ctx, "")
	return err
}

// Close closes the page store
func (m *Manager) Close() error {
	return m.store.Close()
}

// Verify that Manager implements the postoffice.PagingManager interface at compile time
var _ postoffice.PagingManager = (*Manager)(nil)
