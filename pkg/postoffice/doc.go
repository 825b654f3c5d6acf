// Package postoffice defines the contracts of the addressing and routing engine.
//
// This package holds the types shared by the routing core and its collaborators:
//   - Message: an immutable message published under a hierarchical address
//   - Binding: a named association of an address to a target, one of
//     LocalQueueBinding, RemoteQueueBinding or DivertBinding
//   - Bindings: the point-in-time set of bindings for one address
//   - Queue, PagingManager, Transaction: collaborators consumed by routing
//   - DuplicateIDCache and GroupingHandler: routing state owned by the post office
//   - PostOffice: the façade that owns the address to bindings index
//
// Binding lifecycle:
//
//	Pending -> Active -> Removed
//
// A binding is created Pending, becomes Active when the post office has made it
// visible to routing, and is Removed when it is deregistered. Only Active bindings
// are routed to. A removed binding is never reused; its unique name may be registered
// again with a new binding once the removal notification has been emitted.
//
// Example usage:
//
//	q := queue.NewMemoryQueue("orders-eu", "orders.eu")
//	if err := po.AddBinding(ctx, postoffice.NewLocalQueueBinding("orders-eu", "orders.eu", q)); err != nil {
//		return err
//	}
//
//	msg := postoffice.NewMessage("orders.eu", payload).WithGroupID("customer-42")
//	result, err := po.Route(ctx, msg)
//	if errors.Is(err, postoffice.ErrNoRoute) {
//		deadLetter(msg)
//	}
//
// Address patterns:
//   - "." separates segments
//   - "*" matches exactly one segment: "orders.*" matches "orders.eu"
//   - "#" matches zero or more segments: "orders.#" matches "orders" and "orders.eu.fr"
//   - the empty pattern matches nothing
package postoffice
