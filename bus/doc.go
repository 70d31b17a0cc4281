// Package bus is the transport substrate for reverie nodes.
//
// # Overview
//
// The MessageBus interface offers two patterns, which is all a node needs:
// broadcast on a named topic and a direct request to one peer awaiting a
// typed reply. All implementations use channel-based APIs.
//
// # Available Implementations
//
//   - NATSBus: production transport over a NATS cluster
//   - MemoryBus: in-process transport for tests and local clusters
//
// # Patterns
//
// Broadcast:
//
//	bus.Publish("reverie.announce", data)
//	sub, _ := bus.Subscribe("reverie.announce.>")
//
// Request/Reply:
//
//	// Responder
//	sub, _ := b.Subscribe("reverie.peer.p1234.fragment")
//	for msg := range sub.Messages() {
//	    bus.Respond(b, msg, response)
//	}
//
//	// Requester
//	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
//	defer cancel()
//	reply, err := b.Request(ctx, "reverie.peer.p1234.fragment", data)
//
// A request to a subject nobody listens on fails fast with ErrNoResponders
// instead of waiting for the deadline, so departed peers are detected as
// unavailable rather than slow.
package bus
