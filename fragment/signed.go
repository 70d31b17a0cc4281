package fragment

import (
	"fmt"

	"github.com/vinayprograms/reverie/identity"
	"github.com/vinayprograms/reverie/wire"
)

// Sig carries the signer's public key and an ed25519 signature over the
// canonical encoding of the enclosing message with Signature cleared.
type Sig struct {
	PublicKey []byte `cbor:"pub"`
	Signature []byte `cbor:"sig"`
}

func (s *Sig) sig() *Sig { return s }

type signedMessage interface {
	sig() *Sig
	signer() identity.PeerID
}

func signMessage[T any, P interface {
	*T
	signedMessage
}](m P, key *identity.Keypair) error {
	s := m.sig()
	s.PublicKey = append([]byte(nil), key.Public...)
	s.Signature = nil
	b, err := wire.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode for signing: %w", err)
	}
	s.Signature = key.Sign(b)
	return nil
}

func verifyMessage[T any, P interface {
	*T
	signedMessage
}](m P) error {
	c := P(new(T))
	*c = *m
	cs := c.sig()
	signature := cs.Signature
	cs.Signature = nil
	b, err := wire.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode for verification: %w", err)
	}
	return identity.Verify(m.signer(), cs.PublicKey, b, signature)
}
