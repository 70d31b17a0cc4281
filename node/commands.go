package node

import (
	"context"

	"github.com/vinayprograms/reverie/identity"
	"github.com/vinayprograms/reverie/peers"
	"github.com/vinayprograms/reverie/threshold"
)

// Reply is what the loop sends back for a command.
type Reply[T any] struct {
	Value T
	Err   error
}

// replier is embedded in every command. Sends are non-blocking into a
// buffer of one, so a command can never be answered twice.
type replier[T any] struct {
	reply chan Reply[T]
}

func newReplier[T any]() replier[T] {
	return replier[T]{reply: make(chan Reply[T], 1)}
}

func (r replier[T]) ok(v T) { r.send(Reply[T]{Value: v}) }

func (r replier[T]) fail(err error) { r.send(Reply[T]{Err: err}) }

func (r replier[T]) send(x Reply[T]) {
	select {
	case r.reply <- x:
	default:
	}
}

// Command is the closed set of requests the loop accepts.
type Command interface {
	fail(err error)
	name() string
}

// StartListening subscribes the node's direct subjects and the
// announcement topic, registers Addr with discovery, and says hello.
type StartListening struct {
	Addr string
	replier[struct{}]
}

// Subscribe follows an agent's announcement topic; announcements arriving
// on it are emitted as AgentAnnounced events.
type Subscribe struct {
	Agent string
	replier[struct{}]
}

// Unsubscribe stops following an agent's topic.
type Unsubscribe struct {
	Agent string
	replier[struct{}]
}

// FragmentResult is a granted, opened capsule fragment.
type FragmentResult struct {
	Holder   identity.PeerID
	Capsule  threshold.Capsule
	Fragment threshold.CapsuleFragment
}

// RequestFragment asks Peer for Key. The trace context of ctx travels with
// the request.
type RequestFragment struct {
	ctx  context.Context
	Peer identity.PeerID
	Key  identity.FragmentKey
	replier[FragmentResult]
}

// Assignment hands one fragment to one peer.
type Assignment struct {
	Peer     identity.PeerID
	Fragment threshold.Fragment
}

// BroadcastResult reports, by fragment index, which assignments were
// stored.
type BroadcastResult struct {
	Saved  []int
	Failed map[int]string
}

// BroadcastFragments distributes a freshly split generation.
type BroadcastFragments struct {
	Info        identity.VesselInfo
	Capsule     threshold.Capsule
	Assignments []Assignment
	replier[BroadcastResult]
}

// QueryState returns a snapshot of the peer manager.
type QueryState struct {
	replier[peers.Snapshot]
}

// QueryHolders returns the holders of Key, freshest first.
type QueryHolders struct {
	Key identity.FragmentKey
	replier[[]identity.PeerID]
}

// HostAgent records this node as the vessel of a new agent generation and
// announces it.
type HostAgent struct {
	Info identity.VesselInfo
	replier[struct{}]
}

// TriggerRespawn orders the agent named Agent to migrate to Successor
// (its recorded next vessel when empty). Replies with the order as sent.
type TriggerRespawn struct {
	Agent     string
	Successor identity.PeerID
	replier[identity.VesselInfo]
}

// CompleteRespawn finishes the migration of Previous into Next.
type CompleteRespawn struct {
	Previous identity.AgentID
	Next     identity.VesselInfo
	replier[struct{}]
}

// AbortRespawn abandons the migration of Agent.
type AbortRespawn struct {
	Agent  identity.AgentID
	Reason error
	replier[struct{}]
}

// AuthorizeFragment answers a FragmentRequested event.
type AuthorizeFragment struct {
	ID     string
	Allow  bool
	Reason string
	replier[struct{}]
}

// SimulateFailure marks the node unhealthy: it stops sending and
// acknowledging heartbeats and ignores inbound requests.
type SimulateFailure struct {
	replier[struct{}]
}

func (*StartListening) name() string     { return "start_listening" }
func (*Subscribe) name() string          { return "subscribe" }
func (*Unsubscribe) name() string        { return "unsubscribe" }
func (*RequestFragment) name() string    { return "request_fragment" }
func (*BroadcastFragments) name() string { return "broadcast_fragments" }
func (*QueryState) name() string         { return "query_state" }
func (*QueryHolders) name() string       { return "query_holders" }
func (*HostAgent) name() string          { return "host_agent" }
func (*TriggerRespawn) name() string     { return "trigger_respawn" }
func (*CompleteRespawn) name() string    { return "complete_respawn" }
func (*AbortRespawn) name() string       { return "abort_respawn" }
func (*AuthorizeFragment) name() string  { return "authorize_fragment" }
func (*SimulateFailure) name() string    { return "simulate_failure" }
