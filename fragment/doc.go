// Package fragment implements the point-to-point exchange that moves agent
// fragments between peers.
//
// A successor vessel sends a signed Request for (agent, index) to a holder.
// The holder answers with a signed Response: either a grant carrying the
// capsule and a capsule fragment sealed to the requester's age recipient,
// or an explicit denial with a reason. A denial is never a dropped
// connection, so requesters can tell "no" (KindDenied, move on) from
// silence (KindTimeout, worth one more try).
//
// SaveRequest/SaveAck distribute freshly split fragments to their holders,
// which keep them in a Store sealed to their own age identity.
package fragment
