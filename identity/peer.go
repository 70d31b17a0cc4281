package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// PeerID names a node on the network.
type PeerID string

// String returns the id.
func (p PeerID) String() string { return string(p) }

// Short returns an abbreviated form for log lines.
func (p PeerID) Short() string {
	if len(p) <= 9 {
		return string(p)
	}
	return string(p[:9])
}

// PeerIDFromPublicKey derives the PeerID for an ed25519 public key.
func PeerIDFromPublicKey(pub ed25519.PublicKey) PeerID {
	sum := blake3.Sum256(pub)
	return PeerID("p" + hex.EncodeToString(sum[:])[:32])
}

// Keypair is a node's signing identity.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
	ID      PeerID
}

const seedDomain = "reverie/node-seed/v1"

// KeypairFromSeed derives a deterministic keypair from seed. The same seed
// always produces the same PeerID, which lets local clusters and tests pin
// their identities.
func KeypairFromSeed(seed uint64) *Keypair {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seed)
	h := blake3.New()
	h.Write([]byte(seedDomain))
	h.Write(buf[:])
	material := h.Sum(nil)
	return keypairFromPrivate(ed25519.NewKeyFromSeed(material[:ed25519.SeedSize]))
}

// GenerateKeypair returns a fresh random keypair.
func GenerateKeypair() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return keypairFromPrivate(priv), nil
}

func keypairFromPrivate(priv ed25519.PrivateKey) *Keypair {
	pub := priv.Public().(ed25519.PublicKey)
	return &Keypair{Public: pub, Private: priv, ID: PeerIDFromPublicKey(pub)}
}

// Sign signs msg with the private key.
func (k *Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.Private, msg)
}

// Verify checks that sig over msg was produced by pub and that pub belongs
// to the claimed peer.
func Verify(claimed PeerID, pub ed25519.PublicKey, msg, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("public key has %d bytes", len(pub))
	}
	if PeerIDFromPublicKey(pub) != claimed {
		return fmt.Errorf("public key does not belong to %s", claimed)
	}
	if !ed25519.Verify(pub, msg, sig) {
		return fmt.Errorf("bad signature from %s", claimed)
	}
	return nil
}

// ComparePeers orders peer ids lexically. Used wherever a deterministic
// tie-break between peers is needed.
func ComparePeers(a, b PeerID) int {
	return strings.Compare(string(a), string(b))
}
