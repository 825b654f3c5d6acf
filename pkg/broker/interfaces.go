package broker

import (
	"context"
	"io"

	"github.com/rmacdonaldsmith/postoffice-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/postoffice"
)

// QueueSpec describes a local queue and its binding
type QueueSpec struct {
	// Name is the queue name, also used as the binding unique name
	Name string
	// Address is the address or address pattern the queue is bound to
	Address string
	// Filter restricts the queue to messages carrying these header values
	Filter map[string]string
	// Owner marks the binding as temporary, owned by a client session
	Owner string
}

// DivertSpec describes a divert binding
type DivertSpec struct {
	Name           string
	Address        string
	ForwardAddress string
	Exclusive      bool
}

// RemoteQueueSpec describes a binding to a queue hosted by a peer node
type RemoteQueueSpec struct {
	// Name is the binding unique name
	Name string
	// Address is the address the binding is declared on
	Address string
	// NodeID is the peer hosting the queue
	NodeID string
	// Queue is the queue name on the peer
	Queue string
	// Consumers is the consumer count advertised by the peer
	Consumers int
}

// QueuedMessage is a message held by a queue at the given offset
type QueuedMessage struct {
	Offset  int64
	Message *postoffice.Message
}

// HealthStatus represents the health of a broker node
type HealthStatus struct {
	// Healthy indicates if the node is functioning properly
	Healthy bool

	// PostOfficeHealthy indicates if the post office accepts messages
	PostOfficeHealthy bool

	// PagingHealthy indicates if the page store is operational
	PagingHealthy bool

	// PeerLinkHealthy indicates if peer links are operational
	PeerLinkHealthy bool

	// Bindings is the number of registered bindings
	Bindings int

	// ConnectedPeers is the number of connected peer nodes
	ConnectedPeers int

	// Message provides additional health information
	Message string
}

// Broker represents a single post office node.
type Broker interface {
	io.Closer

	// Start starts the node services: peer link, discovery and management API.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the node services.
	Stop(ctx context.Context) error

	// NodeID returns this node's unique identifier in the cluster.
	NodeID() string

	// CreateQueue creates a local queue and binds it.
	CreateQueue(ctx context.Context, spec QueueSpec) error

	// CreateDivert binds a divert.
	CreateDivert(ctx context.Context, spec DivertSpec) error

	// CreateRemoteBinding binds a queue hosted by a peer node.
	CreateRemoteBinding(ctx context.Context, spec RemoteQueueSpec) error

	// SetRemoteConsumers records the consumer count advertised for a remote binding.
	SetRemoteConsumers(ctx context.Context, name string, consumers int) error

	// RemoveBinding removes a binding, closing its queue when it is local.
	RemoveBinding(ctx context.Context, name string) error

	// CloseSession removes every temporary binding owned by the session and
	// returns how many were removed.
	CloseSession(ctx context.Context, owner string) (int, error)

	// Bindings returns every binding sorted by name.
	Bindings(ctx context.Context) []postoffice.Binding

	// Publish routes a message.
	Publish(ctx context.Context, msg *postoffice.Message) (*postoffice.RouteResult, error)

	// Browse returns queued messages without consuming them.
	Browse(ctx context.Context, queue string, offset int64, limit int) ([]QueuedMessage, error)

	// Receive consumes up to max messages from the head of the queue.
	Receive(ctx context.Context, queue string, max int) ([]*postoffice.Message, error)

	// AttachConsumer registers a consumer of the owner session on a local queue
	// and returns the new consumer count.
	AttachConsumer(ctx context.Context, queue, owner string) (int, error)

	// DetachConsumer unregisters one consumer the owner session attached and
	// returns the new consumer count.
	DetachConsumer(ctx context.Context, queue, owner string) (int, error)

	// Redistribute moves up to max messages of a queue without local consumers
	// to remote bindings with consumers.
	Redistribute(ctx context.Context, queue string, max int) (int, error)

	// GetConnectedPeers returns all currently connected peer nodes.
	GetConnectedPeers(ctx context.Context) ([]peerlink.PeerNode, error)

	// GetHealth returns the overall health status of this node.
	GetHealth(ctx context.Context) (HealthStatus, error)
}
