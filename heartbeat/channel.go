package heartbeat

import (
	"time"

	"github.com/vinayprograms/reverie/identity"
)

// State of a heartbeat Channel.
type State int

const (
	StateIdle State = iota
	StateAwaitingAck
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Channel is the sender-side heartbeat state machine for one connection.
// It holds no timers; the owner polls Due and Expired with the current
// time. Not safe for concurrent use.
type Channel struct {
	peer     identity.PeerID
	cfg      Config
	state    State
	failures int
	seq      uint64
	nextAt   time.Time
	deadline time.Time
}

// NewChannel creates an idle channel whose first heartbeat is due one
// IdleTimeout after now.
func NewChannel(peer identity.PeerID, cfg Config, now time.Time) *Channel {
	return &Channel{
		peer:   peer,
		cfg:    cfg,
		nextAt: now.Add(cfg.IdleTimeout),
	}
}

// Peer returns the remote peer.
func (c *Channel) Peer() identity.PeerID { return c.peer }

// State returns the current state.
func (c *Channel) State() State { return c.state }

// Failures returns the consecutive failure count.
func (c *Channel) Failures() int { return c.failures }

// Seq returns the sequence number of the latest attempt.
func (c *Channel) Seq() uint64 { return c.seq }

// Due reports whether a heartbeat should be sent now.
func (c *Channel) Due(now time.Time) bool {
	return c.state == StateIdle && !now.Before(c.nextAt)
}

// Begin records that a heartbeat is being sent and returns its sequence
// number. The ack deadline is now + SendTimeout.
func (c *Channel) Begin(now time.Time) uint64 {
	c.seq++
	c.state = StateAwaitingAck
	c.deadline = now.Add(c.cfg.SendTimeout)
	return c.seq
}

// Ack completes attempt seq successfully. Acks for other attempts, or
// arriving in any state other than AwaitingAck, are ignored.
func (c *Channel) Ack(seq uint64, now time.Time) bool {
	if c.state != StateAwaitingAck || seq != c.seq {
		return false
	}
	c.failures = 0
	c.state = StateIdle
	c.nextAt = now.Add(c.cfg.IdleTimeout)
	return true
}

// Fail records a miss for attempt seq and reports whether the channel has
// now closed. After a miss that does not close the channel the next
// attempt is due immediately.
func (c *Channel) Fail(seq uint64, now time.Time) bool {
	if c.state != StateAwaitingAck || seq != c.seq {
		return false
	}
	c.failures++
	if c.failures >= c.cfg.MaxFailures {
		c.state = StateClosed
		return true
	}
	c.state = StateIdle
	c.nextAt = now
	return false
}

// Expired reports whether the pending attempt has passed its deadline.
func (c *Channel) Expired(now time.Time) bool {
	return c.state == StateAwaitingAck && !now.Before(c.deadline)
}

// Close moves the channel to its terminal state.
func (c *Channel) Close() {
	c.state = StateClosed
}
