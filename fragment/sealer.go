package fragment

import (
	"bytes"
	"fmt"
	"io"

	"filippo.io/age"
)

// Sealer encrypts fragment material to age X25519 recipients and opens
// material sealed to its own identity.
type Sealer struct {
	identity *age.X25519Identity
}

// NewSealer generates a fresh age identity.
func NewSealer() (*Sealer, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	return &Sealer{identity: id}, nil
}

// ParseSealer loads an AGE-SECRET-KEY-1... identity.
func ParseSealer(secretKey string) (*Sealer, error) {
	id, err := age.ParseX25519Identity(secretKey)
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}
	return &Sealer{identity: id}, nil
}

// Recipient returns the public age1... recipient string.
func (s *Sealer) Recipient() string {
	return s.identity.Recipient().String()
}

// Seal encrypts plaintext to recipient.
func Seal(plaintext []byte, recipient string) ([]byte, error) {
	r, err := age.ParseX25519Recipient(recipient)
	if err != nil {
		return nil, fmt.Errorf("parsing recipient %q: %w", recipient, err)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, r)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), nil
}

// Seal encrypts plaintext to this sealer's own recipient.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	return Seal(plaintext, s.Recipient())
}

// Open decrypts ciphertext sealed to this sealer.
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading plaintext: %w", err)
	}
	return plaintext, nil
}
