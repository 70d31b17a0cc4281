// Package identity defines who is who on a reverie network: peers are
// identified by a PeerID derived from their ed25519 public key, and agents
// by an AgentID of the form "<name>-<nonce>" whose nonce grows by one each
// time the agent moves to a new vessel.
//
// Keypairs for tests and local clusters are derived from an explicit
// numeric seed passed to KeypairFromSeed, so the same seed always yields
// the same PeerID.
package identity
