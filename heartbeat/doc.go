// Package heartbeat provides peer liveness detection for reverie nodes.
//
// # Overview
//
// Every connection between two nodes runs a heartbeat Channel. While idle
// the channel waits IdleTimeout, then the owner sends an attested Payload
// and the channel waits up to SendTimeout for an Ack. A missed Ack counts
// as a failure and the next attempt goes out immediately; MaxFailures
// consecutive failures close the channel for good.
//
//	┌──────┐  due   ┌─────────────┐  ack   ┌──────┐
//	│ Idle │ ─────> │ AwaitingAck │ ─────> │ Idle │
//	└──────┘        └─────────────┘        └──────┘
//	                      │ MaxFailures misses
//	                      v
//	                 ┌────────┐
//	                 │ Closed │
//	                 └────────┘
//
// The worst-case time to detect a dead peer is therefore
// SendTimeout × MaxFailures, exposed as Config.MaxTimeBeforeRotation.
//
// Receivers keep a History per sender: a moving window of inter-arrival
// times plus the last accepted Payload. Payloads whose BlockHeight does
// not advance are rejected as stale or replayed.
//
// # Usage
//
// Channel and History carry no clock and no goroutines. The caller passes
// the current time in and is responsible for serialising access:
//
//	ch := heartbeat.NewChannel(peer, cfg, now)
//	if ch.Due(now) {
//	    seq := ch.Begin(now)
//	    // send, then ch.Ack(seq, t) or ch.Fail(seq, t)
//	}
//
// # Subject Convention
//
// Heartbeats are direct requests to reverie.peer.<peer-id>.heartbeat.
package heartbeat
