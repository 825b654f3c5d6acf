package paging

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrStoreClosed is returned when using a closed page store
var ErrStoreClosed = errors.New("page store is closed")

// Page is one paged message of a queue
type Page struct {
	Sequence uint64
	Data     []byte
}

// Store keeps paged messages per queue in append order.
type Store interface {
	io.Closer

	// Append stores data at the end of the queue pages and returns its sequence
	Append(ctx context.Context, queue string, data []byte) (uint64, error)

	// Read returns up to max pages of the queue, oldest first
	Read(ctx context.Context, queue string, max int) ([]Page, error)

	// Delete removes the pages of the queue with a sequence up to and including upTo
	Delete(ctx context.Context, queue string, upTo uint64) error

	// Count returns the number of pages held for the queue
	Count(ctx context.Context, queue string) (int, error)
}

// MemoryStore is a Store kept in memory. Paged messages do not survive a restart.
type MemoryStore struct {
	mu       sync.Mutex
	pages    map[string][]Page
	sequence map[string]uint64
	closed   bool
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pages:    make(map[string][]Page),
		sequence: make(map[string]uint64),
	}
}

// Append stores data at the end of the queue pages
func (s *MemoryStore) Append(ctx context.Context, queue string, data []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	s.sequence[queue]++
	seq := s.sequence[queue]
	stored := make([]byte, len(data))
	copy(stored, data)
	s.pages[queue] = append(s.pages[queue], Page{Sequence: seq, Data: stored})
	return seq, nil
}

// Read returns up to max pages of the queue, oldest first
func (s *MemoryStore) Read(ctx context.Context, queue string, max int) ([]Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	pages := s.pages[queue]
	n := min(max, len(pages))
	result := make([]Page, n)
	copy(result, pages[:n])
	return result, nil
}

// Delete removes the pages up to and including upTo
func (s *MemoryStore) Delete(ctx context.Context, queue string, upTo uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	pages := s.pages[queue]
	i := 0
	for i < len(pages) && pages[i].Sequence <= upTo {
		i++
	}
	if i == len(pages) {
		delete(s.pages, queue)
		return nil
	}
	s.pages[queue] = pages[i:]
	return nil
}

// Count returns the number of pages held for the queue
func (s *MemoryStore) Count(ctx context.Context, queue string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	return len(s.pages[queue]), nil
}

// Close drops every page
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = make(map[string][]Page)
	s.closed = true
	return nil
}

// Verify that MemoryStore implements Store at compile time
var _ Store = (*MemoryStore)(nil)
