package fragment

import (
	"github.com/vinayprograms/reverie/identity"
	"github.com/vinayprograms/reverie/threshold"
	"github.com/vinayprograms/reverie/wire"
)

// Request asks a holder for one fragment of one agent generation.
type Request struct {
	ID        string           `cbor:"id"`
	Agent     identity.AgentID `cbor:"agent"`
	Index     int              `cbor:"index"`
	Requester identity.PeerID  `cbor:"requester"`
	// Recipient is the requester's age recipient; granted fragments are
	// sealed to it.
	Recipient string `cbor:"recipient"`
	// Trace carries the requester's trace context, if any.
	Trace map[string]string `cbor:"trace,omitempty"`
	Sig
}

func (r *Request) signer() identity.PeerID { return r.Requester }

// Sign fills in the signature fields.
func (r *Request) Sign(key *identity.Keypair) error { return signMessage(r, key) }

// Verify checks the signature and that the key belongs to Requester.
func (r *Request) Verify() error { return verifyMessage(r) }

// Key returns the fragment being asked for.
func (r *Request) Key() identity.FragmentKey {
	return identity.FragmentKey{Agent: r.Agent, Index: r.Index}
}

// Response answers a Request.
type Response struct {
	ID      string              `cbor:"id"`
	Agent   identity.AgentID    `cbor:"agent"`
	Index   int                 `cbor:"index"`
	Holder  identity.PeerID     `cbor:"holder"`
	Granted bool                `cbor:"granted"`
	Reason  string              `cbor:"reason,omitempty"`
	Info    identity.VesselInfo `cbor:"info"`
	Capsule threshold.Capsule   `cbor:"capsule"`
	// Sealed is the age-encrypted encoding of a threshold.CapsuleFragment.
	Sealed []byte `cbor:"sealed,omitempty"`
	// Digest is blake3 over the plaintext capsule fragment encoding.
	Digest []byte `cbor:"digest,omitempty"`
	Sig
}

func (r *Response) signer() identity.PeerID { return r.Holder }

// Sign fills in the signature fields.
func (r *Response) Sign(key *identity.Keypair) error { return signMessage(r, key) }

// Verify checks the signature and that the key belongs to Holder.
func (r *Response) Verify() error { return verifyMessage(r) }

// SaveRequest hands a freshly split fragment to its holder.
type SaveRequest struct {
	ID      string              `cbor:"id"`
	Info    identity.VesselInfo `cbor:"info"`
	Index   int                 `cbor:"index"`
	Capsule threshold.Capsule   `cbor:"capsule"`
	// Sealed is the age-encrypted encoding of a threshold.Fragment, sealed
	// to the holder's recipient.
	Sealed []byte          `cbor:"sealed"`
	Sender identity.PeerID `cbor:"sender"`
	Sig
}

func (r *SaveRequest) signer() identity.PeerID { return r.Sender }

// Sign fills in the signature fields.
func (r *SaveRequest) Sign(key *identity.Keypair) error { return signMessage(r, key) }

// Verify checks the signature and that the key belongs to Sender.
func (r *SaveRequest) Verify() error { return verifyMessage(r) }

// SaveAck confirms (or refuses) a SaveRequest.
type SaveAck struct {
	ID     string           `cbor:"id"`
	Agent  identity.AgentID `cbor:"agent"`
	Index  int              `cbor:"index"`
	Holder identity.PeerID  `cbor:"holder"`
	OK     bool             `cbor:"ok"`
	Reason string           `cbor:"reason,omitempty"`
	Sig
}

func (a *SaveAck) signer() identity.PeerID { return a.Holder }

// Sign fills in the signature fields.
func (a *SaveAck) Sign(key *identity.Keypair) error { return signMessage(a, key) }

// Verify checks the signature and that the key belongs to Holder.
func (a *SaveAck) Verify() error { return verifyMessage(a) }

// Encode marshals any fragment message.
func Encode(v any) ([]byte, error) { return wire.Marshal(v) }

// Decode unmarshals a fragment message into v.
func Decode(data []byte, v any) error { return wire.Unmarshal(data, v) }
