package peerlink

import (
	"context"
	"io"

	"github.com/rmacdonaldsmith/postoffice-go/pkg/postoffice"
)

// PeerHealthState represents the health state of a peer
type PeerHealthState int

const (
	PeerHealthy PeerHealthState = iota
	PeerUnhealthy
	PeerDisconnected
)

func (s PeerHealthState) String() string {
	switch s {
	case PeerHealthy:
		return "Healthy"
	case PeerUnhealthy:
		return "Unhealthy"
	case PeerDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// PeerNode represents a remote post office node in the cluster
type PeerNode interface {
	// ID returns unique identifier for this peer node
	ID() string

	// Address returns the network address of the peer node
	Address() string

	// IsHealthy returns whether the peer node is currently reachable
	IsHealthy() bool
}

// PeerLink manages connections between post office nodes.
type PeerLink interface {
	io.Closer

	// Connect registers the peer and opens a connection to it.
	Connect(ctx context.Context, peer PeerNode) error

	// Disconnect closes the connection to the specified peer node.
	Disconnect(ctx context.Context, peerID string) error

	// Send delivers the message to the named queue of the peer.
	// It returns once the peer has accepted or rejected the message.
	Send(ctx context.Context, peerID, queue string, msg *postoffice.Message) error

	// GetConnectedPeers returns all currently connected peer nodes.
	GetConnectedPeers(ctx context.Context) ([]PeerNode, error)

	// GetPeerHealth returns health status for a specific peer node.
	GetPeerHealth(ctx context.Context, peerID string) (PeerHealthState, error)

	// StartHeartbeats begins health monitoring for all connected peers.
	StartHeartbeats(ctx context.Context) error

	// StopHeartbeats stops health monitoring.
	StopHeartbeats(ctx context.Context) error
}
