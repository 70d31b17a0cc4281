package node

import (
	"time"

	"github.com/vinayprograms/reverie/fragment"
	"github.com/vinayprograms/reverie/identity"
)

// Event is the closed set of notifications the loop emits.
type Event interface {
	isEvent()
}

// FragmentRequested asks the application whether Request may be granted.
// Answer with Client.AuthorizeFragment(ID, ...); unanswered requests are
// denied after the heartbeat send timeout.
type FragmentRequested struct {
	ID      string
	Request *fragment.Request
	// Info is the latest known assignment for the requested generation.
	Info identity.VesselInfo
}

// RespawnRequired tells the application that this node must take over
// Info.Agent. The pending marker is already set.
type RespawnRequired struct {
	Info   identity.VesselInfo
	Reason string
}

// RespawnCompleted reports a finished migration.
type RespawnCompleted struct {
	Previous identity.AgentID
	Info     identity.VesselInfo
	Duration time.Duration
}

// RespawnFailed reports an abandoned migration.
type RespawnFailed struct {
	Agent identity.AgentID
	Err   error
}

// FragmentSaved reports a fragment this node now holds.
type FragmentSaved struct {
	Key  identity.FragmentKey
	Info identity.VesselInfo
	From identity.PeerID
}

// AgentAnnounced relays an announcement from a subscribed agent topic.
type AgentAnnounced struct {
	Topic        string
	Announcement *fragment.Announcement
}

func (FragmentRequested) isEvent() {}
func (RespawnRequired) isEvent()   {}
func (RespawnCompleted) isEvent()  {}
func (RespawnFailed) isEvent()     {}
func (FragmentSaved) isEvent()     {}
func (AgentAnnounced) isEvent()    {}
