package threshold

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/share"
	"golang.org/x/crypto/chacha20poly1305"
)

const keyContext = "reverie threshold capsule key v1"

// Shamir is the default Scheme. The secret is sealed with
// XChaCha20-Poly1305 under a key derived from a random edwards25519
// scalar, and that scalar is Shamir-shared over the group order. Fragment
// i carries the share polynomial evaluated at x = i+1, so indices run
// 0..total-1.
//
// Reencrypt is an identity transform on the share, so a holder sees its
// share in the clear; transport confidentiality comes from sealing the
// capsule fragment to the requester.
type Shamir struct {
	suite *edwards25519.SuiteEd25519
	rand  io.Reader
}

// NewShamir returns a Shamir scheme using crypto/rand.
func NewShamir() *Shamir {
	return &Shamir{suite: edwards25519.NewBlakeSHA256Ed25519(), rand: rand.Reader}
}

// Split implements Scheme.
func (s *Shamir) Split(secret []byte, total, threshold int) (Capsule, []Fragment, error) {
	if threshold < 1 || threshold > total || total > 255 || len(secret) == 0 {
		return Capsule{}, nil, fmt.Errorf("%w: total=%d threshold=%d len=%d",
			ErrInvalidParams, total, threshold, len(secret))
	}

	k := s.suite.Scalar().Pick(s.suite.RandomStream())
	aead, err := s.aead(k)
	if err != nil {
		return Capsule{}, nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(secret)+aead.Overhead())
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return Capsule{}, nil, fmt.Errorf("threshold: read nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, secret, header(total, threshold, len(secret)))
	id := blake3.Sum256(sealed)
	capsule := Capsule{
		ID:        id[:],
		Sealed:    sealed,
		Length:    len(secret),
		Total:     total,
		Threshold: threshold,
	}

	poly := share.NewPriPoly(s.suite, threshold, k, s.suite.RandomStream())
	frags := make([]Fragment, total)
	for _, sh := range poly.Shares(total) {
		b, err := sh.V.MarshalBinary()
		if err != nil {
			return Capsule{}, nil, fmt.Errorf("threshold: marshal share %d: %w", sh.I, err)
		}
		frags[sh.I] = Fragment{CapsuleID: capsule.ID, Index: sh.I, Share: b}
	}
	return capsule, frags, nil
}

// Reencrypt implements Scheme.
func (s *Shamir) Reencrypt(frag Fragment, capsule Capsule) (CapsuleFragment, error) {
	if !bytes.Equal(frag.CapsuleID, capsule.ID) {
		return CapsuleFragment{}, ErrCapsuleMismatch
	}
	if _, err := s.decode(frag.Index, frag.Share, capsule.Total); err != nil {
		return CapsuleFragment{}, err
	}
	return CapsuleFragment{
		CapsuleID: capsule.ID,
		Index:     frag.Index,
		Share:     append([]byte(nil), frag.Share...),
	}, nil
}

// Reconstruct implements Scheme. Extra fragments beyond threshold are
// ignored; fragments for another capsule are rejected.
func (s *Shamir) Reconstruct(capsule Capsule, cfrags []CapsuleFragment, threshold int) ([]byte, error) {
	if threshold < 1 {
		return nil, fmt.Errorf("%w: threshold %d", ErrInvalidParams, threshold)
	}
	seen := make(map[int]bool, len(cfrags))
	shares := make([]*share.PriShare, 0, threshold)
	for _, cf := range cfrags {
		if !bytes.Equal(cf.CapsuleID, capsule.ID) {
			return nil, ErrCapsuleMismatch
		}
		v, err := s.decode(cf.Index, cf.Share, capsule.Total)
		if err != nil {
			return nil, err
		}
		if seen[cf.Index] {
			continue
		}
		seen[cf.Index] = true
		if len(shares) < threshold {
			shares = append(shares, &share.PriShare{I: cf.Index, V: v})
		}
	}
	if len(shares) < threshold {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnough, len(shares), threshold)
	}

	k, err := share.RecoverSecret(s.suite, shares, threshold, capsule.Total)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotEnough, err)
	}
	aead, err := s.aead(k)
	if err != nil {
		return nil, err
	}
	if len(capsule.Sealed) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, ErrIntegrity
	}
	nonce, body := capsule.Sealed[:chacha20poly1305.NonceSizeX], capsule.Sealed[chacha20poly1305.NonceSizeX:]
	secret, err := aead.Open(nil, nonce, body, header(capsule.Total, capsule.Threshold, capsule.Length))
	if err != nil || len(secret) != capsule.Length {
		return nil, ErrIntegrity
	}
	return secret, nil
}

func (s *Shamir) decode(index int, b []byte, total int) (kyber.Scalar, error) {
	if index < 0 || index >= total || len(b) != s.suite.ScalarLen() {
		return nil, fmt.Errorf("%w: fragment %d", ErrInvalidParams, index)
	}
	v := s.suite.Scalar()
	if err := v.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%w: fragment %d: %v", ErrInvalidParams, index, err)
	}
	return v, nil
}

func (s *Shamir) aead(k kyber.Scalar) (cipher.AEAD, error) {
	b, err := k.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("threshold: marshal key scalar: %w", err)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	blake3.DeriveKey(keyContext, b, key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("threshold: create cipher: %w", err)
	}
	return aead, nil
}

// header is the additional data bound into the sealed secret.
func header(total, threshold, length int) []byte {
	return fmt.Appendf(nil, "%s|%d|%d|%d", keyContext, total, threshold, length)
}
