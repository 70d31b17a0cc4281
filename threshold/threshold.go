// Package threshold is the boundary to the threshold re-encryption scheme
// that protects agent secrets. The rest of the node only sees opaque
// Capsules and fragments through the Scheme interface.
package threshold

import "errors"

var (
	ErrInvalidParams     = errors.New("threshold: invalid parameters")
	ErrCapsuleMismatch   = errors.New("threshold: fragment does not belong to capsule")
	ErrNotEnough         = errors.New("threshold: not enough distinct fragments")
	ErrIntegrity         = errors.New("threshold: reconstructed secret failed integrity check")
	ErrDuplicateFragment = errors.New("threshold: duplicate fragment index")
)

// Capsule is the public part of a split: everything a reconstructor needs
// besides the fragments themselves.
type Capsule struct {
	ID        []byte `cbor:"id"`
	Sealed    []byte `cbor:"sealed"`
	Length    int    `cbor:"length"`
	Total     int    `cbor:"total"`
	Threshold int    `cbor:"threshold"`
}

// Fragment is one holder's share (a k-frag). Index is 0-based.
type Fragment struct {
	CapsuleID []byte `cbor:"capsule"`
	Index     int    `cbor:"index"`
	Share     []byte `cbor:"share"`
}

// CapsuleFragment is a fragment re-encrypted against a capsule (a c-frag),
// the unit handed to the new vessel.
type CapsuleFragment struct {
	CapsuleID []byte `cbor:"capsule"`
	Index     int    `cbor:"index"`
	Share     []byte `cbor:"share"`
}

// Scheme is the threshold re-encryption collaborator.
type Scheme interface {
	// Split divides secret into total fragments, any threshold of which
	// reconstruct it.
	Split(secret []byte, total, threshold int) (Capsule, []Fragment, error)

	// Reencrypt turns a held fragment into a capsule fragment.
	Reencrypt(frag Fragment, capsule Capsule) (CapsuleFragment, error)

	// Reconstruct recovers the secret; it fails with fewer than threshold
	// distinct valid capsule fragments.
	Reconstruct(capsule Capsule, cfrags []CapsuleFragment, threshold int) ([]byte, error)
}
