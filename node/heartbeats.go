package node

import (
	"context"
	"time"

	"github.com/vinayprograms/reverie/bus"
	"github.com/vinayprograms/reverie/errors"
	"github.com/vinayprograms/reverie/heartbeat"
	"github.com/vinayprograms/reverie/identity"
)

// sendHeartbeat starts attempt ch.Begin in the background. The result comes
// back through the loop.
func (n *Node) sendHeartbeat(ch *heartbeat.Channel, now time.Time) {
	seq := ch.Begin(now)
	n.height++
	height := n.height
	peer := ch.Peer()
	ctx := n.ctx
	go func() {
		err := n.heartbeatRoundTrip(ctx, peer, seq, height)
		n.deliver(func() { n.heartbeatResult(peer, seq, err) })
	}()
}

func (n *Node) heartbeatRoundTrip(ctx context.Context, peer identity.PeerID, seq, height uint64) error {
	ctx, cancel := context.WithTimeout(ctx, n.hb.SendTimeout)
	defer cancel()

	att, err := n.attestor.Generate(ctx)
	if err != nil {
		return errors.Wrap(err, "generate attestation")
	}
	p := &heartbeat.Payload{
		Sender:      n.key.ID,
		Seq:         seq,
		BlockHeight: height,
		Attestation: att,
		SentAtNanos: n.clock.Now().UnixNano(),
	}
	data, err := p.Marshal()
	if err != nil {
		return errors.Wrap(err, "encode heartbeat")
	}
	msg, err := n.bus.Request(ctx, PeerSubject(peer, verbHeartbeat), data)
	if err != nil {
		return requestError(err, peer)
	}
	ack, err := heartbeat.UnmarshalAck(msg.Data)
	if err != nil {
		return errors.InvalidInput("malformed heartbeat ack", errors.WithPeer(string(peer)))
	}
	if ack.Receiver != peer || ack.Seq != seq {
		return errors.InvalidInput("heartbeat ack does not match", errors.WithPeer(string(peer)))
	}
	return nil
}

func (n *Node) heartbeatResult(peer identity.PeerID, seq uint64, err error) {
	ch, ok := n.channels[peer]
	if !ok {
		return
	}
	now := n.clock.Now()
	if err == nil {
		if ch.Ack(seq, now) {
			n.metrics.HeartbeatSent(true)
		}
		return
	}
	n.heartbeatFailed(ch, seq, now, err)
}

// heartbeatFailed counts a miss; the miss that reaches MaxFailures fails
// the peer.
func (n *Node) heartbeatFailed(ch *heartbeat.Channel, seq uint64, now time.Time, err error) {
	if ch.State() != heartbeat.StateAwaitingAck || ch.Seq() != seq {
		return
	}
	closed := ch.Fail(seq, now)
	n.metrics.HeartbeatSent(false)
	n.log.HeartbeatFailure(string(ch.Peer()), ch.Failures(), n.hb.MaxFailures, err)
	if closed {
		n.peerFailed(ch.Peer(), "heartbeat failures reached limit")
	}
}

// handleHeartbeat acknowledges a peer's heartbeat. Bad attestations and
// stale block heights go unacknowledged.
func (n *Node) handleHeartbeat(msg *bus.Message) {
	p, err := heartbeat.Unmarshal(msg.Data)
	if err != nil {
		n.log.Debug("malformed heartbeat", map[string]interface{}{"error": err.Error()})
		return
	}
	if p.Sender == n.key.ID {
		return
	}
	if !n.attestor.Verify(p.Attestation) {
		n.log.Warn("heartbeat attestation rejected", map[string]interface{}{"peer": string(p.Sender)})
		return
	}
	if signer := heartbeat.AttestationSigner(p.Attestation); signer != "" && signer != p.Sender {
		n.log.Warn("heartbeat attested by another peer", map[string]interface{}{
			"peer":   string(p.Sender),
			"signer": string(signer),
		})
		return
	}
	now := n.clock.Now()
	n.notePeer(p.Sender, "", now)
	if err := n.peers.RecordHeartbeat(p.Sender, p, now); err != nil {
		n.log.Debug("heartbeat not recorded", map[string]interface{}{
			"peer":  string(p.Sender),
			"error": err.Error(),
		})
		return
	}
	n.metrics.HeartbeatReceived()

	ack := &heartbeat.Ack{Receiver: n.key.ID, Seq: p.Seq, BlockHeight: p.BlockHeight}
	data, err := ack.Marshal()
	if err != nil {
		return
	}
	if err := bus.Respond(n.bus, msg, data); err != nil {
		n.log.Debug("heartbeat ack failed", map[string]interface{}{"error": err.Error()})
	}
}
