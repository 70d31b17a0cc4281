package heartbeat

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/reverie/identity"
)

// Attestor produces and checks the attestation bytes embedded in heartbeats.
// A TEE-backed implementation binds liveness to a measured execution state.
type Attestor interface {
	Generate(ctx context.Context) ([]byte, error)
	Verify(attestation []byte) bool
}

const attestDomain = "reverie/attest/v1"

// attestation layout: pub(32) | counter(8) | unix nanos(8) | sig(64)
const attestLen = ed25519.PublicKeySize + 8 + 8 + ed25519.SignatureSize

// Ed25519Attestor signs a counter and timestamp with the node key. It is the
// software stand-in for a TEE quote: it proves possession of the key and
// freshness, nothing about the execution environment.
type Ed25519Attestor struct {
	key     *identity.Keypair
	counter atomic.Uint64
	now     func() time.Time

	// MaxAge rejects attestations older than this. Zero disables the check.
	MaxAge time.Duration
}

// NewEd25519Attestor returns an attestor signing with key.
func NewEd25519Attestor(key *identity.Keypair) *Ed25519Attestor {
	return &Ed25519Attestor{key: key, now: time.Now}
}

// Generate returns a fresh attestation.
func (a *Ed25519Attestor) Generate(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]byte, 0, attestLen)
	out = append(out, a.key.Public...)
	out = binary.BigEndian.AppendUint64(out, a.counter.Add(1))
	out = binary.BigEndian.AppendUint64(out, uint64(a.now().UnixNano()))
	sig := a.key.Sign(append([]byte(attestDomain), out...))
	return append(out, sig...), nil
}

// Verify checks the embedded signature and, if MaxAge is set, freshness.
func (a *Ed25519Attestor) Verify(att []byte) bool {
	if len(att) != attestLen {
		return false
	}
	body := att[:attestLen-ed25519.SignatureSize]
	sig := att[attestLen-ed25519.SignatureSize:]
	pub := ed25519.PublicKey(att[:ed25519.PublicKeySize])
	if !ed25519.Verify(pub, append([]byte(attestDomain), body...), sig) {
		return false
	}
	if a.MaxAge > 0 {
		ts := int64(binary.BigEndian.Uint64(att[ed25519.PublicKeySize+8:]))
		if a.now().Sub(time.Unix(0, ts)) > a.MaxAge {
			return false
		}
	}
	return true
}

// AttestationSigner returns the PeerID whose key signed att, or "" if att
// is not an Ed25519Attestor attestation.
func AttestationSigner(att []byte) identity.PeerID {
	if len(att) != attestLen {
		return ""
	}
	return identity.PeerIDFromPublicKey(ed25519.PublicKey(att[:ed25519.PublicKeySize]))
}

// MemoryAttestor is a test implementation with switchable outcomes.
type MemoryAttestor struct {
	mu       sync.Mutex
	genErr   error
	reject   bool
	produced int
}

// NewMemoryAttestor creates an attestor that accepts everything.
func NewMemoryAttestor() *MemoryAttestor {
	return &MemoryAttestor{}
}

// Generate returns a fixed token, or the configured error.
func (m *MemoryAttestor) Generate(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.genErr != nil {
		return nil, m.genErr
	}
	m.produced++
	return []byte("memory-attestation"), nil
}

// Verify accepts unless SetReject(true) was called.
func (m *MemoryAttestor) Verify(att []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.reject && len(att) > 0
}

// SetGenerateError makes Generate fail with err (nil to clear).
func (m *MemoryAttestor) SetGenerateError(err error) {
	m.mu.Lock()
	m.genErr = err
	m.mu.Unlock()
}

// SetReject toggles rejection in Verify.
func (m *MemoryAttestor) SetReject(reject bool) {
	m.mu.Lock()
	m.reject = reject
	m.mu.Unlock()
}

// Produced returns how many attestations were generated.
func (m *MemoryAttestor) Produced() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.produced
}
