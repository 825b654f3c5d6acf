package postoffice

import (
	"go.uber.org/atomic"
)

// BindingType identifies the variant of a Binding
type BindingType int

const (
	LocalQueueBindingType BindingType = iota
	RemoteQueueBindingType
	DivertBindingType
)

func (t BindingType) String() string {
	switch t {
	case LocalQueueBindingType:
		return "LocalQueue"
	case RemoteQueueBindingType:
		return "RemoteQueue"
	case DivertBindingType:
		return "Divert"
	default:
		return "Unknown"
	}
}

// BindingState is the lifecycle state of a Binding
type BindingState int32

const (
	BindingPending BindingState = iota
	BindingActive
	BindingRemoved
)

func (s BindingState) String() string {
	switch s {
	case BindingPending:
		return "Pending"
	case BindingActive:
		return "Active"
	case BindingRemoved:
		return "Removed"
	default:
		return "Unknown"
	}
}

// Binding is a named association of an address to a routable target.
// The set of implementations is closed: LocalQueueBinding, RemoteQueueBinding
// and DivertBinding. Routing code selects behaviour with a type switch.
type Binding interface {
	// UniqueName returns the globally unique binding name
	UniqueName() string

	// Address returns the address or address pattern the binding is declared on
	Address() string

	// Type returns the binding variant
	Type() BindingType

	// Accepts reports whether the binding filter admits the message.
	// A binding without filter accepts everything.
	Accepts(msg *Message) bool

	// Owner returns the owning session of a temporary binding, or "" for durable ones
	Owner() string

	// State returns the current lifecycle state
	State() BindingState

	base() *bindingBase
}

// BindingOption configures optional binding properties
type BindingOption func(*bindingOptions)

type bindingOptions struct {
	filter      Filter
	owner       string
	transformer Transformer
}

// WithFilter restricts the binding to messages accepted by the filter.
func WithFilter(filter Filter) BindingOption {
	return func(o *bindingOptions) {
		o.filter = filter
	}
}

// WithOwner marks the binding as temporary, owned by the given session.
func WithOwner(owner string) BindingOption {
	return func(o *bindingOptions) {
		o.owner = owner
	}
}

// WithTransformer sets the transformer a DivertBinding applies before forwarding.
// It is ignored by other binding types.
func WithTransformer(transformer Transformer) BindingOption {
	return func(o *bindingOptions) {
		o.transformer = transformer
	}
}

// Transformer rewrites a message forwarded by a divert
type Transformer func(msg *Message) *Message

type bindingBase struct {
	uniqueName string
	address    string
	filter     Filter
	owner      string
	state      atomic.Int32
}

func newBindingBase(uniqueName, address string, o *bindingOptions) bindingBase {
	return bindingBase{
		uniqueName: uniqueName,
		address:    address,
		filter:     o.filter,
		owner:      o.owner,
	}
}

func applyBindingOptions(opts []BindingOption) *bindingOptions {
	o := &bindingOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// UniqueName returns the globally unique binding name
func (b *bindingBase) UniqueName() string { return b.uniqueName }

// Address returns the address the binding is declared on
func (b *bindingBase) Address() string { return b.address }

// Owner returns the owning session of a temporary binding
func (b *bindingBase) Owner() string { return b.owner }

// State returns the current lifecycle state
func (b *bindingBase) State() BindingState { return BindingState(b.state.Load()) }

// Accepts reports whether the binding filter admits the message
func (b *bindingBase) Accepts(msg *Message) bool {
	return b.filter == nil || b.filter.Match(msg)
}

func (b *bindingBase) base() *bindingBase { return b }

// TransitionBinding moves a binding to the given lifecycle state.
// Allowed transitions are Pending to Active, Pending to Removed and Active to Removed.
func TransitionBinding(b Binding, to BindingState) error {
	state := &b.base().state
	switch to {
	case BindingActive:
		if state.CompareAndSwap(int32(BindingPending), int32(BindingActive)) {
			return nil
		}
	case BindingRemoved:
		if state.CompareAndSwap(int32(BindingActive), int32(BindingRemoved)) ||
			state.CompareAndSwap(int32(BindingPending), int32(BindingRemoved)) {
			return nil
		}
	}
	return NewErrInvalidBindingState(b.UniqueName(), b.State(), to)
}

// LocalQueueBinding binds an address to a queue on this node
type LocalQueueBinding struct {
	bindingBase
	queue Queue
}

// NewLocalQueueBinding creates a Pending binding of address to a local queue.
func NewLocalQueueBinding(uniqueName, address string, queue Queue, opts ...BindingOption) *LocalQueueBinding {
	return &LocalQueueBinding{
		bindingBase: newBindingBase(uniqueName, address, applyBindingOptions(opts)),
		queue:       queue,
	}
}

// Type returns LocalQueueBindingType
func (b *LocalQueueBinding) Type() BindingType { return LocalQueueBindingType }

// Queue returns the bound queue
func (b *LocalQueueBinding) Queue() Queue { return b.queue }

// ConsumerCount returns the number of consumers attached to the queue,
// or 0 when the queue does not track consumers.
func (b *LocalQueueBinding) ConsumerCount() int {
	if counter, ok := b.queue.(ConsumerCounter); ok {
		return counter.ConsumerCount()
	}
	return 0
}

// RemoteQueueBinding binds an address to a queue hosted by another node.
// The consumer count is cluster metadata advertised by the remote node and is
// the only part of the binding that changes after creation.
type RemoteQueueBinding struct {
	bindingBase
	nodeID    string
	queue     Queue
	consumers atomic.Int64
}

// NewRemoteQueueBinding creates a Pending binding of address to a queue proxy for nodeID.
func NewRemoteQueueBinding(uniqueName, address, nodeID string, queue Queue, opts ...BindingOption) *RemoteQueueBinding {
	return &RemoteQueueBinding{
		bindingBase: newBindingBase(uniqueName, address, applyBindingOptions(opts)),
		nodeID:      nodeID,
		queue:       queue,
	}
}

// Type returns RemoteQueueBindingType
func (b *RemoteQueueBinding) Type() BindingType { return RemoteQueueBindingType }

// NodeID returns the node hosting the remote queue
func (b *RemoteQueueBinding) NodeID() string { return b.nodeID }

// Queue returns the proxy used to send messages to the remote queue
func (b *RemoteQueueBinding) Queue() Queue { return b.queue }

// ConsumerCount returns the last advertised consumer count of the remote queue
func (b *RemoteQueueBinding) ConsumerCount() int { return int(b.consumers.Load()) }

// SetConsumerCount records the consumer count advertised by the remote node
func (b *RemoteQueueBinding) SetConsumerCount(n int) {
	if n < 0 {
		n = 0
	}
	b.consumers.Store(int64(n))
}

// DivertBinding forwards messages sent to its address to another address.
// An exclusive divert takes the message away from the other bindings of the address.
type DivertBinding struct {
	bindingBase
	forwardAddress string
	exclusive      bool
	transformer    Transformer
}

// NewDivertBinding creates a Pending divert from address to forwardAddress.
func NewDivertBinding(uniqueName, address, forwardAddress string, exclusive bool, opts ...BindingOption) *DivertBinding {
	o := applyBindingOptions(opts)
	return &DivertBinding{
		bindingBase:    newBindingBase(uniqueName, address, o),
		forwardAddress: forwardAddress,
		exclusive:      exclusive,
		transformer:    o.transformer,
	}
}

// Type returns DivertBindingType
func (b *DivertBinding) Type() BindingType { return DivertBindingType }

// ForwardAddress returns the address diverted messages are routed to
func (b *DivertBinding) ForwardAddress() string { return b.forwardAddress }

// Exclusive reports whether the divert replaces normal delivery
func (b *DivertBinding) Exclusive() bool { return b.exclusive }

// Forward returns the message to route to the forward address
func (b *DivertBinding) Forward(msg *Message) *Message {
	if b.transformer != nil {
		msg = b.transformer(msg)
	}
	return msg.WithAddress(b.forwardAddress)
}

// Verify that all binding variants implement Binding at compile time
var (
	_ Binding = (*LocalQueueBinding)(nil)
	_ Binding = (*RemoteQueueBinding)(nil)
	_ Binding = (*DivertBinding)(nil)
)
