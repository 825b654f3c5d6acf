package postoffice

import (
	"slices"

	"go.uber.org/atomic"

	"github.com/rmacdonaldsmith/postoffice-go/pkg/postoffice"
)

// addressBindings holds the bindings of one address.
//
// direct and linked are only touched by writers holding the index lock. Every
// structural change publishes a fresh immutable entries slice, so routing reads a
// consistent snapshot without locking.
type addressBindings struct {
	address     string
	routingType postoffice.RoutingType

	direct []postoffice.Binding // declared on this address
	linked []postoffice.Binding // pattern bindings matching this address

	entries atomic.Pointer[[]postoffice.Binding]
	next    *atomic.Uint64
}

func newAddressBindings(addr string, routingType postoffice.RoutingType) *addressBindings {
	ab := &addressBindings{
		address:     addr,
		routingType: routingType,
		next:        atomic.NewUint64(0),
	}
	ab.publish()
	return ab
}

// publish swaps in a new snapshot built from direct and linked
func (ab *addressBindings) publish() {
	entries := make([]postoffice.Binding, 0, len(ab.direct)+len(ab.linked))
	entries = append(entries, ab.direct...)
	entries = append(entries, ab.linked...)
	ab.entries.Store(&entries)
}

func (ab *addressBindings) empty() bool {
	return len(ab.direct) == 0 && len(ab.linked) == 0
}

func (ab *addressBindings) removeDirect(uniqueName string) {
	ab.direct = slices.DeleteFunc(ab.direct, func(b postoffice.Binding) bool {
		return b.UniqueName() == uniqueName
	})
	ab.publish()
}

func (ab *addressBindings) link(b postoffice.Binding) {
	ab.linked = append(ab.linked, b)
	ab.publish()
}

func (ab *addressBindings) unlink(uniqueName string) bool {
	before := len(ab.linked)
	ab.linked = slices.DeleteFunc(ab.linked, func(b postoffice.Binding) bool {
		return b.UniqueName() == uniqueName
	})
	if len(ab.linked) == before {
		return false
	}
	ab.publish()
	return true
}

// view returns the current snapshot. Callers must not modify it.
func (ab *addressBindings) view() []postoffice.Binding {
	if p := ab.entries.Load(); p != nil {
		return *p
	}
	return nil
}

// Address returns the address
func (ab *addressBindings) Address() string {
	return ab.address
}

// Entries returns a copy of the current snapshot
func (ab *addressBindings) Entries() []postoffice.Binding {
	return slices.Clone(ab.view())
}

// Len returns the number of bindings in the current snapshot
func (ab *addressBindings) Len() int {
	return len(ab.view())
}

// RoutingType returns the distribution policy of the address
func (ab *addressBindings) RoutingType() postoffice.RoutingType {
	return ab.routingType
}

// roundRobin picks the next candidate in rotation, preferring the first one from
// the rotation point that accept admits. When none is admitted the rotation
// candidate is returned anyway.
func (ab *addressBindings) roundRobin(candidates []postoffice.Binding, accept func(postoffice.Binding) bool) postoffice.Binding {
	n := len(candidates)
	if n == 0 {
		return nil
	}
	start := int((ab.next.Inc() - 1) % uint64(n))
	for i := 0; i < n; i++ {
		candidate := candidates[(start+i)%n]
		if accept(candidate) {
			return candidate
		}
	}
	return candidates[start]
}

// Verify that addressBindings implements the postoffice.Bindings interface at compile time
var _ postoffice.Bindings = (*addressBindings)(nil)
