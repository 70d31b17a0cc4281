// Package discovery tells the node which peers exist and when they leave.
//
// A Source is both a registry (a node announces itself under its peer id
// and address) and a watch (every node receives Discovered/Expired changes
// for everyone registered). Two implementations are provided: Memory for
// tests and single-process clusters, and Etcd, which ties registrations to
// an etcd lease so a crashed node expires on its own.
package discovery

import (
	"context"
	"errors"

	"github.com/vinayprograms/reverie/identity"
)

// Common errors.
var (
	ErrClosed    = errors.New("discovery source closed")
	ErrInvalidID = errors.New("invalid peer ID")
)

// Kind says what happened to a peer.
type Kind string

const (
	Discovered Kind = "discovered"
	Expired    Kind = "expired"
)

// Entry is one registration.
type Entry struct {
	Peer identity.PeerID
	Addr string
}

// Change is a registration appearing or disappearing. For Expired changes
// Addr may be empty.
type Change struct {
	Kind Kind
	Entry
}

// Source registers the local node and streams membership changes.
type Source interface {
	// Register announces e. Re-registering replaces the address.
	Register(ctx context.Context, e Entry) error

	// Deregister withdraws a registration.
	Deregister(ctx context.Context, peer identity.PeerID) error

	// Changes first replays every current registration as Discovered and
	// then streams changes until ctx is done or the source is closed, at
	// which point the channel is closed.
	Changes(ctx context.Context) (<-chan Change, error)

	Close() error
}

func validate(e Entry) error {
	if e.Peer == "" {
		return ErrInvalidID
	}
	return nil
}
