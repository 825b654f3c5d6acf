// Package duplicateid provides the bounded duplicate id window kept per address.
package duplicateid

import (
	"container/list"
	"sync"

	"github.com/rmacdonaldsmith/postoffice-go/pkg/postoffice"
)

// DefaultCapacity is the number of ids held when no capacity is configured
const DefaultCapacity = 2000

// Entry is one id held by the cache with its insertion sequence
type Entry struct {
	ID       []byte
	Sequence uint64

	rejected bool
}

// Cache is a FIFO window of duplicate ids. Once full, each insertion evicts the
// oldest surviving id. Lookups never refresh an entry and nothing expires with time.
// It is safe for concurrent use.
type Cache struct {
	address  string
	capacity int

	mu       sync.Mutex
	order    *list.List               // oldest at the front
	elements map[string]*list.Element // id -> element holding an *Entry
	sequence uint64
}

// New creates a Cache for address holding at most capacity ids.
// A non positive capacity selects DefaultCapacity.
func New(address string, capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		address:  address,
		capacity: capacity,
		order:    list.New(),
		elements: make(map[string]*list.Element, capacity),
	}
}

// Address returns the address the cache belongs to
func (c *Cache) Address() string {
	return c.address
}

// Capacity returns the maximum number of ids held
func (c *Cache) Capacity() int {
	return c.capacity
}

// Contains reports whether id is held
func (c *Cache) Contains(id []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.elements[string(id)]
	return ok
}

// Add records id. Adding an id already held keeps its original position.
func (c *Cache) Add(id []byte) {
	c.AddIfAbsent(id)
}

// AddIfAbsent records id unless it is already held and reports whether it was added.
// The check and the insertion are atomic.
func (c *Cache) AddIfAbsent(id []byte) bool {
	key := string(id)

	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.elements[key]; ok {
		element.Value.(*Entry).rejected = true
		return false
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.elements, string(oldest.Value.(*Entry).ID))
	}

	c.sequence++
	stored := make([]byte, len(id))
	copy(stored, id)
	c.elements[key] = c.order.PushBack(&Entry{ID: stored, Sequence: c.sequence})
	return true
}

// Delete removes id. Deleting an id not held is a no-op.
func (c *Cache) Delete(id []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.elements[string(id)]; ok {
		c.order.Remove(element)
		delete(c.elements, string(id))
	}
}

// Release removes id unless AddIfAbsent rejected it while it was held, and
// reports whether it was removed. A rejected id stays so that the duplicate
// answer already given remains true.
func (c *Cache) Release(id []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.elements[string(id)]
	if !ok || element.Value.(*Entry).rejected {
		return false
	}
	c.order.Remove(element)
	delete(c.elements, string(id))
	return true
}

// Len returns the number of ids held
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Entries returns the held ids from oldest to newest
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]Entry, 0, c.order.Len())
	for e := c.order.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*Entry)
		id := make([]byte, len(entry.ID))
		copy(id, entry.ID)
		entries = append(entries, Entry{ID: id, Sequence: entry.Sequence})
	}
	return entries
}

// Verify that Cache implements the postoffice.DuplicateIDCache interface at compile time
var _ postoffice.DuplicateIDCache = (*Cache)(nil)
