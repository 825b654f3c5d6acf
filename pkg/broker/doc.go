// Package broker provides the interface of a post office node.
//
// A broker node orchestrates the routing core and its collaborators:
//   - PostOffice: the address to bindings index and message routing
//   - Queues: local in-memory queues, paged to disk when full
//   - PeerLink: delivery to queues hosted by other nodes
//   - Management API: bindings, publishing and queue consumption over HTTP
//
// Example usage:
//
//	node, err := brokernode.NewNode(config)
//	if err != nil {
//		return err
//	}
//	if err := node.Start(ctx); err != nil {
//		return err
//	}
//	defer node.Close()
//
//	// Bind a queue and publish to its address
//	err = node.CreateQueue(ctx, broker.QueueSpec{Name: "orders-q", Address: "orders"})
//	result, err := node.Publish(ctx, postoffice.NewMessage("orders", body))
//
//	// Consume from the queue
//	msgs, err := node.Receive(ctx, "orders-q", 10)
//
//	// Monitor node health
//	health, err := node.GetHealth(ctx)
//	if !health.Healthy {
//		logger.Warnf("node unhealthy: %s", health.Message)
//	}
package broker
