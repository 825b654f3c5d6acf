// Package queue provides the in-memory queue the post office routes into.
package queue

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"

	"go.uber.org/atomic"

	"github.com/rmacdonaldsmith/postoffice-go/pkg/postoffice"
)

var (
	// ErrNegativeOffset is returned when a negative offset is provided
	ErrNegativeOffset = errors.New("offset cannot be negative")
	// ErrNegativeMaxCount is returned when a negative max count is provided
	ErrNegativeMaxCount = errors.New("max count cannot be negative")
)

// Entry is a message held by a queue at a given offset
type Entry struct {
	Offset  int64
	Message *postoffice.Message
}

// MemoryQueue is an ordered in-memory queue. Each enqueued message gets the next
// offset of the queue starting from 0. Receive removes messages from the head;
// Browse reads without removing. It is safe for concurrent use.
type MemoryQueue struct {
	name    string
	address string

	mu         sync.RWMutex
	entries    []Entry
	nextOffset int64
	memorySize int64
	closed     bool

	consumers atomic.Int32
	enqueued  atomic.Int64
}

// NewMemoryQueue creates a new empty queue bound to address.
func NewMemoryQueue(name, address string) *MemoryQueue {
	return &MemoryQueue{
		name:    name,
		address: address,
		entries: make([]Entry, 0),
	}
}

// Name returns the queue name
func (q *MemoryQueue) Name() string {
	return q.name
}

// Address returns the address the queue is bound to
func (q *MemoryQueue) Address() string {
	return q.address
}

// Enqueue appends the message at the next offset.
func (q *MemoryQueue) Enqueue(ctx context.Context, msg *postoffice.Message) error {
	if msg == nil {
		return postoffice.ErrNilMessage
	}

	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return postoffice.ErrQueueClosed
	}

	q.entries = append(q.entries, Entry{Offset: q.nextOffset, Message: msg})
	q.nextOffset++
	q.memorySize += msg.Size()
	q.enqueued.Inc()
	return nil
}

// Browse returns up to maxCount entries starting at startOffset without removing them.
func (q *MemoryQueue) Browse(ctx context.Context, startOffset int64, maxCount int) ([]Entry, error) {
	if startOffset < 0 {
		return nil, ErrNegativeOffset
	}
	if maxCount < 0 {
		return nil, ErrNegativeMaxCount
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	results := make([]Entry, 0, min(maxCount, len(q.entries)))
	for _, entry := range q.entries {
		if len(results) >= maxCount {
			break
		}
		if entry.Offset >= startOffset {
			results = append(results, entry)
		}
	}
	return results, nil
}

// Receive removes and returns up to maxCount messages from the head of the queue.
func (q *MemoryQueue) Receive(ctx context.Context, maxCount int) ([]*postoffice.Message, error) {
	if maxCount < 0 {
		return nil, ErrNegativeMaxCount
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(maxCount, len(q.entries))
	messages := make([]*postoffice.Message, 0, n)
	for _, entry := range q.entries[:n] {
		messages = append(messages, entry.Message)
		q.memorySize -= entry.Message.Size()
	}
	// drop references held by the backing array
	clear(q.entries[:n])
	q.entries = q.entries[n:]
	return messages, nil
}

// Remove drops the entry at offset and reports whether it was still held.
func (q *MemoryQueue) Remove(offset int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, found := slices.BinarySearchFunc(q.entries, offset, func(e Entry, target int64) int {
		return cmp.Compare(e.Offset, target)
	})
	if !found {
		return false
	}
	q.memorySize -= q.entries[i].Message.Size()
	q.entries = slices.Delete(q.entries, i, i+1)
	return true
}

// MessageCount returns the number of messages held
func (q *MemoryQueue) MessageCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// MemorySize returns the approximate number of bytes held
func (q *MemoryQueue) MemorySize() int64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.memorySize
}

// EndOffset returns the offset the next enqueued message will get
func (q *MemoryQueue) EndOffset() int64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.nextOffset
}

// EnqueuedCount returns the number of messages ever enqueued
func (q *MemoryQueue) EnqueuedCount() int64 {
	return q.enqueued.Load()
}

// AddConsumer registers a consumer and returns the new consumer count
func (q *MemoryQueue) AddConsumer() int {
	return int(q.consumers.Inc())
}

// RemoveConsumer unregisters a consumer and returns the new consumer count
func (q *MemoryQueue) RemoveConsumer() int {
	for {
		current := q.consumers.Load()
		if current == 0 {
			return 0
		}
		if q.consumers.CompareAndSwap(current, current-1) {
			return int(current - 1)
		}
	}
}

// ConsumerCount returns the number of registered consumers
func (q *MemoryQueue) ConsumerCount() int {
	return int(q.consumers.Load())
}

// Close rejects further enqueues and drops every held message.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil // Already closed, idempotent
	}
	q.entries = nil
	q.memorySize = 0
	q.closed = true
	return nil
}

// Verify that MemoryQueue implements the postoffice.Queue interface at compile time
var (
	_ postoffice.Queue           = (*MemoryQueue)(nil)
	_ postoffice.ConsumerCounter = (*MemoryQueue)(nil)
)
