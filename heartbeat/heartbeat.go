package heartbeat

import (
	"errors"
	"time"

	"github.com/vinayprograms/reverie/identity"
	"github.com/vinayprograms/reverie/wire"
)

// Common errors.
var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrStale          = errors.New("stale heartbeat")
	ErrBadAttestation = errors.New("attestation rejected")
)

// Config is the per-connection heartbeat policy.
type Config struct {
	// SendTimeout bounds one heartbeat round trip.
	// Default: 60 seconds
	SendTimeout time.Duration `toml:"send_timeout"`

	// IdleTimeout is the gap between successful heartbeats.
	// Default: 1 second
	IdleTimeout time.Duration `toml:"idle_timeout"`

	// MaxFailures is the number of consecutive misses that close the channel.
	// Default: 5
	MaxFailures int `toml:"max_failures"`

	// HistoryWindow is the number of inter-arrival samples kept per peer.
	// Default: 10
	HistoryWindow int `toml:"history_window"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SendTimeout:   60 * time.Second,
		IdleTimeout:   1 * time.Second,
		MaxFailures:   5,
		HistoryWindow: 10,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SendTimeout <= 0 || c.IdleTimeout <= 0 || c.MaxFailures < 1 || c.HistoryWindow < 1 {
		return ErrInvalidConfig
	}
	return nil
}

// MaxTimeBeforeRotation is the worst-case failure detection latency.
func (c Config) MaxTimeBeforeRotation() time.Duration {
	return c.SendTimeout * time.Duration(c.MaxFailures)
}

// Payload is the body of one heartbeat.
type Payload struct {
	Sender      identity.PeerID `cbor:"sender"`
	Seq         uint64          `cbor:"seq"`
	BlockHeight uint64          `cbor:"height"`
	Attestation []byte          `cbor:"attestation"`
	SentAtNanos int64           `cbor:"sent_at"`
}

// SentAt returns the sender's wall clock at send time.
func (p *Payload) SentAt() time.Time {
	return time.Unix(0, p.SentAtNanos)
}

// Marshal serializes a payload.
func (p *Payload) Marshal() ([]byte, error) {
	return wire.Marshal(p)
}

// Unmarshal deserializes a payload.
func Unmarshal(data []byte) (*Payload, error) {
	var p Payload
	if err := wire.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Ack acknowledges a Payload.
type Ack struct {
	Receiver    identity.PeerID `cbor:"receiver"`
	Seq         uint64          `cbor:"seq"`
	BlockHeight uint64          `cbor:"height"`
}

// Marshal serializes an ack.
func (a *Ack) Marshal() ([]byte, error) {
	return wire.Marshal(a)
}

// UnmarshalAck deserializes an ack.
func UnmarshalAck(data []byte) (*Ack, error) {
	var a Ack
	if err := wire.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}
