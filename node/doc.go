// Package node runs a reverie peer: the single event loop that owns the
// peer manager, every heartbeat channel, and the fragment store.
//
// # Ownership
//
// Exactly one goroutine (Run) mutates node state. Everything else talks to
// it through two channels:
//
//	Client ──Command──> loop ──Event──> application (respawn.Coordinator)
//
// Every Command carries a single-use reply channel with capacity one. The
// loop replies exactly once; if the loop exits first the reply never comes
// and the Client returns a LOOP_CLOSED error instead of blocking. Events
// are delivered best effort: a full event buffer drops the event and logs
// it.
//
// Network I/O never blocks the loop. Heartbeat round trips, fragment
// requests, and fragment saves run in their own goroutines and hand their
// results back as closures executed on the loop.
//
// # Subjects
//
//	reverie.peer.<peer-id>.heartbeat   direct: heartbeat.Payload -> heartbeat.Ack
//	reverie.peer.<peer-id>.fragment    direct: fragment.Request -> fragment.Response
//	reverie.peer.<peer-id>.save        direct: fragment.SaveRequest -> fragment.SaveAck
//	reverie.announce                   gossip: fragment.Announcement
//	reverie.announce.<agent>           per-agent copy of vessel and order announcements
package node
