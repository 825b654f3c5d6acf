package postoffice

import (
	"slices"
	"strings"
	"sync"

	"go.uber.org/atomic"

	"github.com/rmacdonaldsmith/postoffice-go/internal/address"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/postoffice"
)

// index maps addresses to their bindings.
//
// Pattern bindings live on their pattern address and are also linked into every
// concrete address entry they match. A concrete address without an entry of its
// own is resolved from the pattern entries on each lookup and never stored, so the
// index only grows with declared bindings.
type index struct {
	matcher     *address.Matcher
	routingType func(addr string) postoffice.RoutingType

	mu        sync.RWMutex
	addresses map[string]*addressBindings
	patterns  map[string]*addressBindings
	names     map[string]postoffice.Binding

	// rotation is shared by the resolved views of addresses without an entry
	rotation atomic.Uint64
}

func newIndex(matcher *address.Matcher, routingType func(string) postoffice.RoutingType) *index {
	return &index{
		matcher:     matcher,
		routingType: routingType,
		addresses:   make(map[string]*addressBindings),
		patterns:    make(map[string]*addressBindings),
		names:       make(map[string]postoffice.Binding),
	}
}

func (x *index) add(b postoffice.Binding) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, exists := x.names[b.UniqueName()]; exists {
		return postoffice.NewErrDuplicateBindingName(b.UniqueName())
	}
	x.names[b.UniqueName()] = b

	ab := x.getOrCreateLocked(b.Address())
	ab.direct = append(ab.direct, b)
	ab.publish()

	if x.matcher.IsPattern(b.Address()) {
		for addr, other := range x.addresses {
			if x.matcher.IsPattern(addr) || !x.matcher.Match(b.Address(), addr) {
				continue
			}
			other.link(b)
		}
	}
	return nil
}

func (x *index) remove(uniqueName string) (postoffice.Binding, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	b, ok := x.names[uniqueName]
	if !ok {
		return nil, postoffice.NewErrBindingNotFound(uniqueName)
	}
	delete(x.names, uniqueName)

	if ab, ok := x.addresses[b.Address()]; ok {
		ab.removeDirect(uniqueName)
		x.pruneLocked(ab)
	}

	if x.matcher.IsPattern(b.Address()) {
		for _, other := range x.addresses {
			if other.unlink(uniqueName) {
				x.pruneLocked(other)
			}
		}
	}
	return b, nil
}

// getOrCreateLocked returns the entry of addr, creating it with every matching
// pattern binding linked in when addr is concrete
func (x *index) getOrCreateLocked(addr string) *addressBindings {
	if ab, ok := x.addresses[addr]; ok {
		return ab
	}
	ab := newAddressBindings(addr, x.routingType(addr))
	if x.matcher.IsPattern(addr) {
		x.patterns[addr] = ab
	} else {
		ab.linked = x.matchingPatternBindingsLocked(addr)
		ab.publish()
	}
	x.addresses[addr] = ab
	return ab
}

func (x *index) matchingPatternBindingsLocked(addr string) []postoffice.Binding {
	var linked []postoffice.Binding
	for pattern, ab := range x.patterns {
		if !x.matcher.Match(pattern, addr) {
			continue
		}
		linked = append(linked, ab.direct...)
	}
	// map iteration order is random, keep the rotation stable
	sortByName(linked)
	return linked
}

func (x *index) pruneLocked(ab *addressBindings) {
	if ab.empty() {
		delete(x.addresses, ab.address)
		delete(x.patterns, ab.address)
	}
}

// lookup returns the stored entry of an exact address
func (x *index) lookup(addr string) *addressBindings {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.addresses[addr]
}

// resolve returns the bindings a message sent to addr is routed through, or nil
// when nothing matches. A concrete address without an entry gets a view built
// from the matching pattern bindings that is not kept in the index.
func (x *index) resolve(addr string) *addressBindings {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if ab, ok := x.addresses[addr]; ok {
		return ab
	}
	if x.matcher.IsPattern(addr) {
		return nil
	}
	linked := x.matchingPatternBindingsLocked(addr)
	if len(linked) == 0 {
		return nil
	}
	ab := newAddressBindings(addr, x.routingType(addr))
	ab.next = &x.rotation
	ab.linked = linked
	ab.publish()
	return ab
}

// size returns the number of stored address entries
func (x *index) size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.addresses)
}

func (x *index) get(uniqueName string) (postoffice.Binding, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	b, ok := x.names[uniqueName]
	return b, ok
}

// matching returns the bindings declared on an address matched by pattern
func (x *index) matching(pattern string) []postoffice.Binding {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var result []postoffice.Binding
	for _, b := range x.names {
		if b.Address() == pattern || x.matcher.Match(pattern, b.Address()) {
			result = append(result, b)
		}
	}
	sortByName(result)
	return result
}

func (x *index) all() []postoffice.Binding {
	x.mu.RLock()
	defer x.mu.RUnlock()

	result := make([]postoffice.Binding, 0, len(x.names))
	for _, b := range x.names {
		result = append(result, b)
	}
	sortByName(result)
	return result
}

func (x *index) ownedBy(owner string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var names []string
	for name, b := range x.names {
		if b.Owner() == owner {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func sortByName(bindings []postoffice.Binding) {
	slices.SortFunc(bindings, func(a, b postoffice.Binding) int {
		return strings.Compare(a.UniqueName(), b.UniqueName())
	})
}
