package fragment

import (
	"github.com/vinayprograms/reverie/identity"
)

// AnnounceKind distinguishes gossip announcements.
type AnnounceKind string

const (
	// AnnounceHello introduces a node: its address, age recipient, the
	// fragments it holds and the agents it hosts.
	AnnounceHello AnnounceKind = "hello"
	// AnnounceHolder credits the sender with the listed fragments.
	AnnounceHolder AnnounceKind = "holder"
	// AnnounceVessel publishes a new vessel assignment.
	AnnounceVessel AnnounceKind = "vessel"
	// AnnounceOrder is an administrative respawn order: the single
	// assignment names the successor as NextVessel.
	AnnounceOrder AnnounceKind = "order"
)

// Announcement is a signed gossip message.
type Announcement struct {
	Kind      AnnounceKind           `cbor:"kind"`
	From      identity.PeerID        `cbor:"from"`
	Addr      string                 `cbor:"addr,omitempty"`
	Client    string                 `cbor:"client,omitempty"`
	Recipient string                 `cbor:"recipient,omitempty"`
	Holds     []identity.FragmentKey `cbor:"holds,omitempty"`
	Vessels   []identity.VesselInfo  `cbor:"vessels,omitempty"`
	// Reply asks every receiver of a hello to answer with its own.
	Reply bool `cbor:"reply,omitempty"`
	Sig
}

func (a *Announcement) signer() identity.PeerID { return a.From }

// Sign fills in the signature fields.
func (a *Announcement) Sign(key *identity.Keypair) error { return signMessage(a, key) }

// Verify checks the signature and that the key belongs to From.
func (a *Announcement) Verify() error { return verifyMessage(a) }
