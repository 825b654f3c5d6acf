package duplicateid

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_AddContains(t *testing.T) {
	cache := New("orders", 3)

	assert.False(t, cache.Contains([]byte("a")))
	cache.Add([]byte("a"))
	assert.True(t, cache.Contains([]byte("a")))
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, 3, cache.Capacity())
	assert.Equal(t, "orders", cache.Address())

	assert.False(t, cache.AddIfAbsent([]byte("a")), "second add of the same id must be rejected")
	assert.Equal(t, 1, cache.Len())
}

func TestCache_FIFOEviction(t *testing.T) {
	cache := New("orders", 3)
	for _, id := range []string{"a", "b", "c"} {
		require.True(t, cache.AddIfAbsent([]byte(id)))
	}

	// Looking up the oldest id must not refresh it
	require.True(t, cache.Contains([]byte("a")))

	require.True(t, cache.AddIfAbsent([]byte("d")))
	assert.False(t, cache.Contains([]byte("a")), "oldest id must be evicted")
	for _, id := range []string{"b", "c", "d"} {
		assert.True(t, cache.Contains([]byte(id)), "id %s must survive", id)
	}

	// Re-adding a held id keeps its position, so b is still the next to go
	cache.Add([]byte("b"))
	cache.Add([]byte("e"))
	assert.False(t, cache.Contains([]byte("b")))
	assert.True(t, cache.Contains([]byte("c")))
}

func TestCache_DeleteDoesNotEvictOthers(t *testing.T) {
	cache := New("orders", 3)
	for _, id := range []string{"a", "b", "c"} {
		cache.Add([]byte(id))
	}

	cache.Delete([]byte("b"))
	cache.Delete([]byte("unknown"))
	require.Equal(t, 2, cache.Len())

	// There is room again, so adding must not evict anything
	cache.Add([]byte("d"))
	assert.True(t, cache.Contains([]byte("a")))
	assert.True(t, cache.Contains([]byte("c")))
	assert.True(t, cache.Contains([]byte("d")))

	entries := cache.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "a", string(entries[0].ID))
	assert.Equal(t, "d", string(entries[2].ID))
	assert.Less(t, entries[0].Sequence, entries[2].Sequence)
}

func TestCache_Release(t *testing.T) {
	cache := New("orders", 3)

	require.True(t, cache.AddIfAbsent([]byte("a")))
	assert.True(t, cache.Release([]byte("a")))
	assert.False(t, cache.Contains([]byte("a")))
	assert.False(t, cache.Release([]byte("a")), "releasing an id not held is a no-op")

	require.True(t, cache.AddIfAbsent([]byte("b")))
	require.False(t, cache.AddIfAbsent([]byte("b")))
	assert.False(t, cache.Release([]byte("b")), "a rejected id is kept")
	assert.True(t, cache.Contains([]byte("b")))

	cache.Delete([]byte("b"))
	assert.False(t, cache.Contains([]byte("b")))
}

func TestCache_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New("orders", 0).Capacity())
}

func TestCache_ConcurrentAddIfAbsent(t *testing.T) {
	cache := New("orders", 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	added := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if cache.AddIfAbsent([]byte(fmt.Sprintf("id-%d", j))) {
					mu.Lock()
					added++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, added, "each id must be added exactly once")
	assert.Equal(t, 50, cache.Len())
}
