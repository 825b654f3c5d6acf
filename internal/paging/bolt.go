package paging

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/atomic"
)

const boltFileMode os.FileMode = 0o600

var defaultBoltOptions = bbolt.Options{Timeout: 5 * time.Second, NoGrowSync: true}

// BoltStore is a Store persisted in a bbolt database. Each queue has its own
// bucket; keys are big-endian sequences so cursor order is append order.
type BoltStore struct {
	db     *bbolt.DB
	path   string
	closed atomic.Bool
}

// NewBoltStore opens or creates the page database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	options := defaultBoltOptions
	db, err := bbolt.Open(path, boltFileMode, &options)
	if err != nil {
		return nil, fmt.Errorf("paging: opening boltdb %s: %w", path, err)
	}
	return &BoltStore{db: db, path: path}, nil
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.path
}

func (s *BoltStore) ensureOpen(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return ctx.Err()
}

// Append stores data at the end of the queue pages
func (s *BoltStore) Append(ctx context.Context, queue string, data []byte) (uint64, error) {
	if err := s.ensureOpen(ctx); err != nil {
		return 0, err
	}

	var seq uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(queue))
		if err != nil {
			return err
		}
		if seq, err = bucket.NextSequence(); err != nil {
			return err
		}
		return bucket.Put(sequenceKey(seq), data)
	})
	if err != nil {
		return 0, fmt.Errorf("paging: append to %s: %w", queue, err)
	}
	return seq, nil
}

// Read returns up to max pages of the queue, oldest first
func (s *BoltStore) Read(ctx context.Context, queue string, max int) ([]Page, error) {
	if err := s.ensureOpen(ctx); err != nil {
		return nil, err
	}

	pages := make([]Page, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(queue))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.First(); k != nil && len(pages) < max; k, v = c.Next() {
			// values are only valid for the life of the transaction
			data := make([]byte, len(v))
			copy(data, v)
			pages = append(pages, Page{Sequence: binary.BigEndian.Uint64(k), Data: data})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("paging: read from %s: %w", queue, err)
	}
	return pages, nil
}

// Delete removes the pages up to and including upTo
func (s *BoltStore) Delete(ctx context.Context, queue string, upTo uint64) error {
	if err := s.ensureOpen(ctx); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(queue))
		if bucket == nil {
			return nil
		}
		var keys [][]byte
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= upTo; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of pages held for the queue
func (s *BoltStore) Count(ctx context.Context, queue string) (int, error) {
	if err := s.ensureOpen(ctx); err != nil {
		return 0, err
	}

	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(queue))
		if bucket == nil {
			return nil
		}
		count = bucket.Stats().KeyN
		return nil
	})
	return count, err
}

// Close closes the database. Pages stay on disk.
func (s *BoltStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Verify that BoltStore implements Store at compile time
var _ Store = (*BoltStore)(nil)
