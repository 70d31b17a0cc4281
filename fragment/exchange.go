package fragment

import (
	"bytes"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/vinayprograms/reverie/errors"
	"github.com/vinayprograms/reverie/identity"
	"github.com/vinayprograms/reverie/threshold"
	"github.com/vinayprograms/reverie/wire"
)

// Kind classifies why a fragment could not be obtained from one holder.
type Kind int

const (
	KindNone Kind = iota
	// KindDenied: the holder answered with a signed refusal. Try the next
	// holder immediately.
	KindDenied
	// KindTimeout: no answer in time. The same holder may be retried once.
	KindTimeout
	// KindUnavailable: the holder could not be reached at all.
	KindUnavailable
	// KindInvalid: the answer was malformed or failed verification.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindDenied:
		return "denied"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// KindOf maps an error from the exchange onto a Kind.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	switch errors.Code(err) {
	case errors.ErrCodeDenied, errors.ErrCodeNotFound:
		return KindDenied
	case errors.ErrCodeTimeout:
		return KindTimeout
	case errors.ErrCodeInvalidInput:
		return KindInvalid
	default:
		return KindUnavailable
	}
}

// NewRequest builds and signs a request from key for (agent, index).
// trace may be nil.
func NewRequest(key *identity.Keypair, recipient string, agent identity.AgentID, index int, trace map[string]string) (*Request, error) {
	r := &Request{
		ID:        uuid.NewString(),
		Agent:     agent,
		Index:     index,
		Requester: key.ID,
		Recipient: recipient,
		Trace:     trace,
	}
	if err := r.Sign(key); err != nil {
		return nil, errors.Wrap(err, "sign fragment request")
	}
	return r, nil
}

// Deny builds a signed refusal for req.
func Deny(key *identity.Keypair, req *Request, reason string) (*Response, error) {
	resp := &Response{
		ID:     req.ID,
		Agent:  req.Agent,
		Index:  req.Index,
		Holder: key.ID,
		Reason: reason,
	}
	if err := resp.Sign(key); err != nil {
		return nil, errors.Wrap(err, "sign denial")
	}
	return resp, nil
}

// Grant re-encrypts the held fragment for req and seals it to the
// requester. A fragment this node does not hold yields a denial, not an
// error.
func Grant(key *identity.Keypair, store *Store, scheme threshold.Scheme, req *Request) (*Response, error) {
	info, capsule, frag, err := store.Get(req.Key())
	if err != nil {
		return Deny(key, req, "fragment not held")
	}
	cfrag, err := scheme.Reencrypt(frag, capsule)
	if err != nil {
		return Deny(key, req, "re-encryption failed")
	}
	plain, err := wire.Marshal(cfrag)
	if err != nil {
		return nil, errors.Wrap(err, "encode capsule fragment")
	}
	sealed, err := Seal(plain, req.Recipient)
	if err != nil {
		return Deny(key, req, "bad recipient")
	}
	digest := blake3.Sum256(plain)
	resp := &Response{
		ID:      req.ID,
		Agent:   req.Agent,
		Index:   req.Index,
		Holder:  key.ID,
		Granted: true,
		Info:    info,
		Capsule: capsule,
		Sealed:  sealed,
		Digest:  digest[:],
	}
	if err := resp.Sign(key); err != nil {
		return nil, errors.Wrap(err, "sign grant")
	}
	return resp, nil
}

// Accept validates resp as the answer to req from holder and opens the
// capsule fragment. Denials come back as DENIED errors; anything that
// fails verification as INVALID_INPUT.
func Accept(sealer *Sealer, req *Request, holder identity.PeerID, resp *Response) (threshold.Capsule, threshold.CapsuleFragment, error) {
	invalid := func(msg string) error {
		return errors.InvalidInput(msg, errors.WithPeer(string(holder)), errors.WithAgent(req.Agent.String()))
	}
	if resp.Holder != holder {
		return threshold.Capsule{}, threshold.CapsuleFragment{}, invalid("response from unexpected holder")
	}
	if err := resp.Verify(); err != nil {
		return threshold.Capsule{}, threshold.CapsuleFragment{}, invalid(err.Error())
	}
	if resp.ID != req.ID || resp.Agent != req.Agent || resp.Index != req.Index {
		return threshold.Capsule{}, threshold.CapsuleFragment{}, invalid("response does not match request")
	}
	if !resp.Granted {
		return threshold.Capsule{}, threshold.CapsuleFragment{}, errors.Denied(resp.Reason,
			errors.WithPeer(string(holder)), errors.WithAgent(req.Agent.String()))
	}
	plain, err := sealer.Open(resp.Sealed)
	if err != nil {
		return threshold.Capsule{}, threshold.CapsuleFragment{}, invalid("cannot open sealed fragment")
	}
	digest := blake3.Sum256(plain)
	if !bytes.Equal(digest[:], resp.Digest) {
		return threshold.Capsule{}, threshold.CapsuleFragment{}, invalid("fragment digest mismatch")
	}
	var cfrag threshold.CapsuleFragment
	if err := wire.Unmarshal(plain, &cfrag); err != nil {
		return threshold.Capsule{}, threshold.CapsuleFragment{}, invalid("cannot decode capsule fragment")
	}
	if cfrag.Index != req.Index || !bytes.Equal(cfrag.CapsuleID, resp.Capsule.ID) {
		return threshold.Capsule{}, threshold.CapsuleFragment{}, invalid("capsule fragment does not match capsule")
	}
	return resp.Capsule, cfrag, nil
}

// NewSave builds a signed SaveRequest delivering frag to a holder whose
// age recipient is recipient.
func NewSave(key *identity.Keypair, info identity.VesselInfo, capsule threshold.Capsule, frag threshold.Fragment, recipient string) (*SaveRequest, error) {
	plain, err := wire.Marshal(frag)
	if err != nil {
		return nil, errors.Wrap(err, "encode fragment")
	}
	sealed, err := Seal(plain, recipient)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "seal fragment")
	}
	req := &SaveRequest{
		ID:      uuid.NewString(),
		Info:    info,
		Index:   frag.Index,
		Capsule: capsule,
		Sealed:  sealed,
		Sender:  key.ID,
	}
	if err := req.Sign(key); err != nil {
		return nil, errors.Wrap(err, "sign save request")
	}
	return req, nil
}

// Save verifies req, stores the fragment, and returns the signed ack.
func Save(key *identity.Keypair, store *Store, req *SaveRequest) *SaveAck {
	ack := &SaveAck{ID: req.ID, Agent: req.Info.Agent, Index: req.Index, Holder: key.ID}
	switch err := req.Verify(); {
	case err != nil:
		ack.Reason = err.Error()
	case req.Info.Validate() != nil:
		ack.Reason = req.Info.Validate().Error()
	default:
		if err := store.PutSealed(req.Info, req.Capsule, req.Index, req.Sealed); err != nil {
			ack.Reason = err.Error()
		} else {
			ack.OK = true
		}
	}
	// Signing only fails on encoding errors, which cannot happen for this type.
	_ = ack.Sign(key)
	return ack
}
