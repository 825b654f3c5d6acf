package peerlink

import (
	"context"

	"github.com/rmacdonaldsmith/postoffice-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/postoffice"
)

// RemoteQueue is the local proxy of a queue hosted by a peer.
// Enqueue sends the message over the peer link.
type RemoteQueue struct {
	link    peerlink.PeerLink
	peerID  string
	name    string
	address string
}

// NewRemoteQueue creates the proxy of the queue name on peerID
func NewRemoteQueue(link peerlink.PeerLink, peerID, name, address string) *RemoteQueue {
	return &RemoteQueue{
		link:    link,
		peerID:  peerID,
		name:    name,
		address: address,
	}
}

// Name returns the queue name on the peer
func (q *RemoteQueue) Name() string { return q.name }

// Address returns the address the queue is bound to
func (q *RemoteQueue) Address() string { return q.address }

// PeerID returns the node hosting the queue
func (q *RemoteQueue) PeerID() string { return q.peerID }

// Enqueue sends msg to the queue on the peer
func (q *RemoteQueue) Enqueue(ctx context.Context, msg *postoffice.Message) error {
	return q.link.Send(ctx, q.peerID, q.name, msg)
}

var _ postoffice.Queue = (*RemoteQueue)(nil)
