package postoffice

import (
	"context"
	"io"
	"sync"
)

// RoutingType selects how the bindings of one address share a message
type RoutingType int

const (
	// Anycast delivers each message to exactly one binding (point-to-point)
	Anycast RoutingType = iota
	// Multicast delivers each message to every matching binding (topic fan-out)
	Multicast
)

func (r RoutingType) String() string {
	switch r {
	case Anycast:
		return "anycast"
	case Multicast:
		return "multicast"
	default:
		return "unknown"
	}
}

// ParseRoutingType converts "anycast" or "multicast" into a RoutingType
func ParseRoutingType(name string) (RoutingType, error) {
	switch name {
	case "anycast", "":
		return Anycast, nil
	case "multicast":
		return Multicast, nil
	default:
		return Anycast, NewErrInvalidRoutingType(name)
	}
}

// Queue is the enqueue side of the queue subsystem.
// The post office holds queues by reference and never manages their lifecycle.
type Queue interface {
	// Name returns the queue name
	Name() string

	// Address returns the address the queue is bound to
	Address() string

	// Enqueue makes the message available to the queue consumers
	Enqueue(ctx context.Context, msg *Message) error
}

// ConsumerCounter is implemented by queues that track attached consumers
type ConsumerCounter interface {
	ConsumerCount() int
}

// PagingManager decides whether a queue accepts an in-memory enqueue or must page
type PagingManager interface {
	// IsFull reports whether messages for the queue must be paged
	IsFull(queue Queue) bool

	// Page stores the message for the queue outside memory
	Page(ctx context.Context, queue Queue, msg *Message) error
}

// Transaction stages enqueues so they become visible only on commit.
type Transaction interface {
	// ID returns the transaction identifier
	ID() string

	// Enlist stages an enqueue of msg into queue
	Enlist(queue Queue, msg *Message) error

	// AfterRollback registers a function run when the transaction rolls back
	AfterRollback(fn func())

	// SetRollbackOnly marks the transaction so that Commit rolls back instead
	SetRollbackOnly(cause error)

	// Commit applies every enlisted enqueue
	Commit(ctx context.Context) error

	// Rollback discards every enlisted enqueue
	Rollback(ctx context.Context) error
}

// DuplicateIDCache is a bounded window of recently seen duplicate ids for one address.
// Entries leave the window only when newer entries overflow its capacity, or when
// they are deleted explicitly by a rolled back transaction.
type DuplicateIDCache interface {
	// Address returns the address the cache belongs to
	Address() string

	// Contains reports whether id is in the window
	Contains(id []byte) bool

	// Add records id, evicting the oldest entry when the window is full
	Add(id []byte)

	// AddIfAbsent records id unless present and reports whether it was added
	AddIfAbsent(id []byte) bool

	// Delete removes id from the window
	Delete(id []byte)

	// Len returns the number of ids held
	Len() int

	// Capacity returns the maximum number of ids held
	Capacity() int
}

// GroupingHandler keeps message groups bound to one target.
type GroupingHandler interface {
	// Resolve returns the binding the group is bound to when it is still among the
	// candidates. Otherwise it binds the group to choose() and returns that binding.
	// It returns nil when choose returns nil.
	Resolve(address, groupID string, candidates []Binding, choose func() Binding) Binding

	// BindingRemoved drops every group bound to the binding
	BindingRemoved(uniqueName string)
}

// Bindings is a point-in-time view of the bindings of one address
type Bindings interface {
	// Address returns the address
	Address() string

	// Entries returns the bindings in registration order
	Entries() []Binding

	// Len returns the number of bindings
	Len() int

	// RoutingType returns the distribution policy of the address
	RoutingType() RoutingType
}

// NotificationListener receives binding notifications in the order the
// binding changes became visible to routing.
type NotificationListener interface {
	OnNotification(n Notification)
}

// RouteResult describes the outcome of routing one message
type RouteResult struct {
	// MessageID is the id of the routed message
	MessageID string
	// Address is the address the message was routed on
	Address string
	// Duplicate is true when the message was dropped as an already seen duplicate
	Duplicate bool
	// Targets lists the unique names of the bindings that accepted the message
	Targets []string
	// Paged lists the targets that received the message through paging.
	// For a transactional route it is filled while the transaction commits,
	// so it is complete once Commit returns.
	Paged []string
}

// PostOffice owns the address to bindings index and routes messages through it.
type PostOffice interface {
	io.Closer

	// AddBinding registers a Pending binding and makes it Active.
	// It fails with ErrDuplicateBindingName when the unique name is taken.
	AddBinding(ctx context.Context, binding Binding) error

	// RemoveBinding deregisters and returns the binding with the given unique name.
	// It fails with ErrBindingNotFound when no such binding exists.
	RemoveBinding(ctx context.Context, uniqueName string) (Binding, error)

	// GetBindingsForAddress returns the bindings a message sent to address is
	// routed through, matching pattern bindings included, or ErrNoBindings when
	// there are none.
	GetBindingsForAddress(address string) (Bindings, error)

	// GetBinding returns the binding with the given unique name
	GetBinding(uniqueName string) (Binding, bool)

	// GetMatchingBindings returns every binding whose address matches the pattern
	GetMatchingBindings(pattern string) []Binding

	// Route routes the message to the bindings of its address
	Route(ctx context.Context, msg *Message) (*RouteResult, error)

	// RouteWithTransaction routes the message, staging every enqueue in tx
	RouteWithTransaction(ctx context.Context, msg *Message, tx Transaction) (*RouteResult, error)

	// Redistribute moves msg from originatingQueue to a remote binding with consumers.
	// It makes a single attempt and reports whether the message was redistributed.
	Redistribute(ctx context.Context, msg *Message, originatingQueue string, tx Transaction) (bool, error)

	// GetPagingManager returns the paging collaborator
	GetPagingManager() PagingManager

	// GetDuplicateIDCache returns the duplicate id cache of the address, creating it on first access
	GetDuplicateIDCache(address string) DuplicateIDCache

	// SendQueueInfoToQueue delivers one binding-info message per binding of address
	// directly to the named local queue
	SendQueueInfoToQueue(ctx context.Context, queueName, address string) error

	// GetNotificationLock returns the lock serializing binding changes with notifications
	GetNotificationLock() sync.Locker
}
