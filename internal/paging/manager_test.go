package paging

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/postoffice-go/internal/queue"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/postoffice"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := NewBoltStore(filepath.Join(t.TempDir(), "pages.db"))
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   bolt,
	}
}

func TestStore(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			defer store.Close()

			for i := 0; i < 5; i++ {
				seq, err := store.Append(ctx, "q1", []byte(fmt.Sprintf("p%d", i)))
				require.NoError(t, err)
				assert.Equal(t, uint64(i+1), seq)
			}
			_, err := store.Append(ctx, "q2", []byte("other"))
			require.NoError(t, err)

			pages, err := store.Read(ctx, "q1", 3)
			require.NoError(t, err)
			require.Len(t, pages, 3)
			assert.Equal(t, "p0", string(pages[0].Data))
			assert.Equal(t, "p2", string(pages[2].Data))

			require.NoError(t, store.Delete(ctx, "q1", pages[1].Sequence))
			count, err := store.Count(ctx, "q1")
			require.NoError(t, err)
			assert.Equal(t, 3, count)

			pages, err = store.Read(ctx, "q1", 10)
			require.NoError(t, err)
			require.Len(t, pages, 3)
			assert.Equal(t, "p2", string(pages[0].Data))

			count, err = store.Count(ctx, "q2")
			require.NoError(t, err)
			assert.Equal(t, 1, count)

			pages, err = store.Read(ctx, "unknown", 10)
			require.NoError(t, err)
			assert.Empty(t, pages)

			require.NoError(t, store.Close())
			_, err = store.Append(ctx, "q1", nil)
			assert.ErrorIs(t, err, ErrStoreClosed)
		})
	}
}

func TestBoltStore_Persists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pages.db")

	store, err := NewBoltStore(path)
	require.NoError(t, err)
	_, err = store.Append(ctx, "q1", []byte("kept"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	pages, err := reopened.Read(ctx, "q1", 10)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "kept", string(pages[0].Data))

	manager, err := NewManager(Config{}, reopened)
	require.NoError(t, err)
	require.NoError(t, manager.Track(ctx, "q1"))
	assert.True(t, manager.IsPaging("q1"))
}

func TestManager_PageAndDepage(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue("q1", "orders")

	msg := postoffice.NewMessage("orders", []byte("0123456789"))
	limit := 3 * msg.Size()
	manager, err := NewManager(Config{MaxSizeBytes: limit}, NewMemoryStore())
	require.NoError(t, err)
	defer manager.Close()

	// Fill the queue up to its limit
	for i := 0; i < 3; i++ {
		require.False(t, manager.IsFull(q))
		require.NoError(t, q.Enqueue(ctx, postoffice.NewMessage("orders", []byte("0123456789"))))
	}
	require.True(t, manager.IsFull(q))

	paged := make([]*postoffice.Message, 0, 4)
	for i := 0; i < 4; i++ {
		m := postoffice.NewMessage("orders", []byte("0123456789"))
		paged = append(paged, m)
		require.NoError(t, manager.Page(ctx, q, m))
	}
	count, err := manager.PagedCount(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	// Draining below the limit keeps the queue full while pages remain
	_, err = q.Receive(ctx, 3)
	require.NoError(t, err)
	assert.True(t, manager.IsFull(q), "queue must stay full while it has paged messages")

	moved, err := manager.Depage(ctx, q, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, moved, "depage stops at the limit")
	assert.True(t, manager.IsPaging("q1"))

	_, err = q.Receive(ctx, 10)
	require.NoError(t, err)
	moved, err = manager.Depage(ctx, q, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.False(t, manager.IsPaging("q1"))
	assert.False(t, manager.IsFull(q))

	entries, err := q.Browse(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, paged[3].ID(), entries[0].Message.ID(), "paged messages are restored in order")
}

func TestManager_Limits(t *testing.T) {
	q := queue.NewMemoryQueue("small", "orders")
	manager, err := NewManager(Config{QueueMaxSizeBytes: map[string]int64{"small": 1}}, NewMemoryStore())
	require.NoError(t, err)

	assert.False(t, manager.IsFull(q))
	require.NoError(t, q.Enqueue(context.Background(), postoffice.NewMessage("orders", []byte("x"))))
	assert.True(t, manager.IsFull(q))

	other := queue.NewMemoryQueue("other", "orders")
	require.NoError(t, other.Enqueue(context.Background(), postoffice.NewMessage("orders", []byte("x"))))
	assert.False(t, manager.IsFull(other), "paging is disabled without a limit")

	_, err = NewManager(Config{}, nil)
	assert.ErrorIs(t, err, ErrNilStore)
}

func TestManager_DropAndPing(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue("q1", "orders")
	manager, err := NewManager(Config{MaxSizeBytes: 1}, NewMemoryStore())
	require.NoError(t, err)

	require.NoError(t, manager.Ping(ctx))
	for i := 0; i < 3; i++ {
		require.NoError(t, manager.Page(ctx, q, postoffice.NewMessage("orders", []byte("x"))))
	}
	require.True(t, manager.IsPaging("q1"))

	require.NoError(t, manager.Drop(ctx, "q1"))
	assert.False(t, manager.IsPaging("q1"))
	count, err := manager.PagedCount(ctx, "q1")
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, manager.Close())
	assert.ErrorIs(t, manager.Ping(ctx), ErrStoreClosed)
}
