// Package ratelimit throttles inbound fragment requests per requesting
// peer.
//
// A holder answers fragment requests with re-encrypted shares, so an
// unthrottled holder lets any peer probe it as fast as the bus allows.
// The Limiter keeps one token bucket per resource (the requester's peer
// id):
//
//	limiter, _ := ratelimit.New(ratelimit.Config{Capacity: 10, Window: time.Minute}, time.Now)
//	if !limiter.TryAcquire(string(req.Requester)) {
//	    // deny with "rate limited"
//	}
//
// # Algorithm
//
// Token bucket with continuous refill:
//   - Buckets start full with Capacity tokens
//   - Tokens come back at Capacity per Window
//   - Each TryAcquire consumes one token or fails
package ratelimit
