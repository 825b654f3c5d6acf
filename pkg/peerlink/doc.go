// Package peerlink provides the interfaces for node to node message delivery.
//
// This package defines the core abstractions of the post office peer link:
//   - PeerNode: a remote post office node
//   - PeerLink: connections to peer nodes and delivery of messages to their queues
//
// A RemoteQueueBinding routes through a queue proxy that calls PeerLink.Send, so the
// routing core never depends on the transport. The receiving node hands the message
// to the named local queue without routing it again.
//
// Example usage:
//
//	peer := discovery.NewPeer("node-2", "node-2.cluster.local:9090")
//	if err := link.Connect(ctx, peer); err != nil {
//		return err
//	}
//
//	// Deliver a message straight to the "orders" queue of node-2
//	msg := postoffice.NewMessage("orders", body)
//	if err := link.Send(ctx, "node-2", "orders", msg); err != nil {
//		return err
//	}
//
//	// Monitor peer health
//	if err := link.StartHeartbeats(ctx); err != nil {
//		return err
//	}
package peerlink
