// Package errors provides the structured error taxonomy used across reverie
// nodes. Every failure that crosses a package boundary (a fragment request
// that was denied, a respawn that could not reach its threshold, a command
// sent to a loop that already stopped) is reported as an *Error carrying a
// code, a category and a retry hint.
//
// # Categories
//
//   - Transient: timeouts and unreachable peers. Recovered locally by falling
//     back to another fragment holder.
//   - Permanent: explicit denials, invalid input, failed preconditions.
//     Retrying against the same peer will not help.
//   - Resource: the node could not gather enough of something, most notably
//     fragments for a threshold reconstruction.
//   - Internal: invariant violations, a closed event loop, recovered panics.
//
// # Usage
//
//	err := errors.Denied("holder purged fragment", errors.WithPeer(holder))
//	if errors.Is(err, errors.ErrCodeDenied) {
//	    // try the next holder immediately
//	}
//
// Errors serialize to JSON so they can be returned by administrative callers.
package errors
