package node

import (
	"context"

	"github.com/vinayprograms/reverie/errors"
	"github.com/vinayprograms/reverie/identity"
	"github.com/vinayprograms/reverie/peers"
	"github.com/vinayprograms/reverie/threshold"
)

// Client sends commands to a running node. It is safe for concurrent use.
type Client struct {
	cmds chan<- Command
	done <-chan struct{}
}

// call submits cmd and waits for its reply. A loop that exits first turns
// into LOOP_CLOSED, never a hang.
func call[T any](ctx context.Context, c *Client, cmd Command, reply <-chan Reply[T]) (T, error) {
	var zero T
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return zero, errors.LoopClosed(cmd.name())
	case <-ctx.Done():
		return zero, contextError(ctx.Err(), cmd.name())
	}
	select {
	case r := <-reply:
		return r.Value, r.Err
	case <-c.done:
		select {
		case r := <-reply:
			return r.Value, r.Err
		default:
		}
		return zero, errors.LoopClosed(cmd.name())
	case <-ctx.Done():
		return zero, contextError(ctx.Err(), cmd.name())
	}
}

func contextError(err error, name string) error {
	if err == context.DeadlineExceeded {
		return errors.WrapWithCode(err, errors.ErrCodeTimeout, name)
	}
	return errors.WrapWithCode(err, errors.ErrCodeCanceled, name)
}

// StartListening subscribes the node and registers addr with discovery.
func (c *Client) StartListening(ctx context.Context, addr string) error {
	cmd := &StartListening{Addr: addr, replier: newReplier[struct{}]()}
	_, err := call(ctx, c, cmd, cmd.reply)
	return err
}

// Subscribe follows agent's announcement topic.
func (c *Client) Subscribe(ctx context.Context, agent string) error {
	cmd := &Subscribe{Agent: agent, replier: newReplier[struct{}]()}
	_, err := call(ctx, c, cmd, cmd.reply)
	return err
}

// Unsubscribe stops following agent's announcement topic.
func (c *Client) Unsubscribe(ctx context.Context, agent string) error {
	cmd := &Unsubscribe{Agent: agent, replier: newReplier[struct{}]()}
	_, err := call(ctx, c, cmd, cmd.reply)
	return err
}

// RequestFragment asks peer for key and returns the opened capsule
// fragment. Failures carry DENIED, TIMEOUT, UNAVAILABLE or INVALID_INPUT
// codes; see fragment.KindOf.
func (c *Client) RequestFragment(ctx context.Context, peer identity.PeerID, key identity.FragmentKey) (FragmentResult, error) {
	cmd := &RequestFragment{ctx: ctx, Peer: peer, Key: key, replier: newReplier[FragmentResult]()}
	return call(ctx, c, cmd, cmd.reply)
}

// BroadcastFragments stores each assignment with its peer.
func (c *Client) BroadcastFragments(ctx context.Context, info identity.VesselInfo, capsule threshold.Capsule, assignments []Assignment) (BroadcastResult, error) {
	cmd := &BroadcastFragments{Info: info, Capsule: capsule, Assignments: assignments, replier: newReplier[BroadcastResult]()}
	return call(ctx, c, cmd, cmd.reply)
}

// State returns a snapshot of the node's peer state.
func (c *Client) State(ctx context.Context) (peers.Snapshot, error) {
	cmd := &QueryState{replier: newReplier[peers.Snapshot]()}
	return call(ctx, c, cmd, cmd.reply)
}

// Holders returns the live holders of key, freshest first.
func (c *Client) Holders(ctx context.Context, key identity.FragmentKey) ([]identity.PeerID, error) {
	cmd := &QueryHolders{Key: key, replier: newReplier[[]identity.PeerID]()}
	return call(ctx, c, cmd, cmd.reply)
}

// HostAgent makes this node the announced vessel of info.
func (c *Client) HostAgent(ctx context.Context, info identity.VesselInfo) error {
	cmd := &HostAgent{Info: info, replier: newReplier[struct{}]()}
	_, err := call(ctx, c, cmd, cmd.reply)
	return err
}

// TriggerRespawn orders agent to migrate to successor, or to its recorded
// next vessel when successor is empty.
func (c *Client) TriggerRespawn(ctx context.Context, agent string, successor identity.PeerID) (identity.VesselInfo, error) {
	cmd := &TriggerRespawn{Agent: agent, Successor: successor, replier: newReplier[identity.VesselInfo]()}
	return call(ctx, c, cmd, cmd.reply)
}

// CompleteRespawn records next as the successor of previous.
func (c *Client) CompleteRespawn(ctx context.Context, previous identity.AgentID, next identity.VesselInfo) error {
	cmd := &CompleteRespawn{Previous: previous, Next: next, replier: newReplier[struct{}]()}
	_, err := call(ctx, c, cmd, cmd.reply)
	return err
}

// AbortRespawn abandons the pending migration of agent.
func (c *Client) AbortRespawn(ctx context.Context, agent identity.AgentID, reason error) error {
	cmd := &AbortRespawn{Agent: agent, Reason: reason, replier: newReplier[struct{}]()}
	_, err := call(ctx, c, cmd, cmd.reply)
	return err
}

// AuthorizeFragment answers the FragmentRequested event with id.
func (c *Client) AuthorizeFragment(ctx context.Context, id string, allow bool, reason string) error {
	cmd := &AuthorizeFragment{ID: id, Allow: allow, Reason: reason, replier: newReplier[struct{}]()}
	_, err := call(ctx, c, cmd, cmd.reply)
	return err
}

// SimulateFailure makes the node stop responding.
func (c *Client) SimulateFailure(ctx context.Context) error {
	cmd := &SimulateFailure{replier: newReplier[struct{}]()}
	_, err := call(ctx, c, cmd, cmd.reply)
	return err
}
