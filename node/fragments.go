package node

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"

	"github.com/vinayprograms/reverie/bus"
	"github.com/vinayprograms/reverie/errors"
	"github.com/vinayprograms/reverie/fragment"
	"github.com/vinayprograms/reverie/identity"
	"github.com/vinayprograms/reverie/metrics"
	"github.com/vinayprograms/reverie/telemetry"
)

// requestError classifies a failed bus request to peer.
func requestError(err error, peer identity.PeerID) error {
	opt := errors.WithPeer(string(peer))
	switch {
	case stderrors.Is(err, bus.ErrTimeout), stderrors.Is(err, context.DeadlineExceeded):
		return errors.WrapWithCode(err, errors.ErrCodeTimeout, "request timed out", opt)
	case stderrors.Is(err, bus.ErrNoResponders):
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "peer not reachable", opt)
	case stderrors.Is(err, context.Canceled):
		return errors.WrapWithCode(err, errors.ErrCodeCanceled, "request canceled", opt)
	default:
		return errors.WrapWithCode(err, errors.ErrCodeNetworkErr, "request failed", opt)
	}
}

func outcomeOf(err error) string {
	switch fragment.KindOf(err) {
	case fragment.KindNone:
		return metrics.OutcomeGranted
	case fragment.KindDenied:
		return metrics.OutcomeDenied
	case fragment.KindTimeout:
		return metrics.OutcomeTimeout
	case fragment.KindInvalid:
		return metrics.OutcomeInvalid
	default:
		return metrics.OutcomeUnavailable
	}
}

func (n *Node) handleDirect(msg *bus.Message) {
	if !n.health.Healthy() {
		return
	}
	switch verbOf(msg.Subject) {
	case verbHeartbeat:
		n.handleHeartbeat(msg)
	case verbFragment:
		n.handleFragmentRequest(msg)
	case verbSave:
		n.handleSave(msg)
	default:
		n.log.Debug("unknown direct subject", map[string]interface{}{"subject": msg.Subject})
	}
}

// handleFragmentRequest answers with a signed denial straight away when it
// can, and otherwise parks the request until the application authorizes it.
func (n *Node) handleFragmentRequest(msg *bus.Message) {
	var req fragment.Request
	if err := fragment.Decode(msg.Data, &req); err != nil {
		n.log.Debug("malformed fragment request", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := req.Verify(); err != nil {
		n.respondDenied(msg, &req, "bad signature")
		return
	}
	if n.limiter != nil && !n.limiter.TryAcquire(string(req.Requester)) {
		n.respondDenied(msg, &req, "rate limited")
		return
	}
	if _, dup := n.pending[req.ID]; dup {
		n.respondDenied(msg, &req, "duplicate request")
		return
	}
	key := req.Key()
	info, ok := n.store.Info(key)
	if !ok {
		n.respondDenied(msg, &req, "fragment not held")
		return
	}
	if latest, ok := n.peers.VesselInfo(key.Agent.Name); ok && latest.Agent == key.Agent {
		info = latest
	}

	ctx := telemetry.ExtractContext(n.ctx, telemetry.MapCarrier(req.Trace))
	_, span := n.tracer.StartFragmentSpan(ctx, "grant", key.String(), string(req.Requester))
	n.pending[req.ID] = &pendingAuth{
		req:      &req,
		msg:      msg,
		deadline: n.clock.Now().Add(n.authTimeout),
		span:     span,
	}
	if !n.emit(FragmentRequested{ID: req.ID, Request: &req, Info: info}) {
		_ = n.resolve(req.ID, false, "authorizer unavailable")
	}
}

func (n *Node) respondDenied(msg *bus.Message, req *fragment.Request, reason string) {
	n.log.Debug("fragment request denied", map[string]interface{}{
		"requester": string(req.Requester),
		"fragment":  req.Key().String(),
		"reason":    reason,
	})
	resp, err := fragment.Deny(n.key, req, reason)
	if err != nil {
		return
	}
	n.respond(msg, resp)
}

func (n *Node) respond(msg *bus.Message, v any) {
	data, err := fragment.Encode(v)
	if err != nil {
		n.log.Error("encode response", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := bus.Respond(n.bus, msg, data); err != nil {
		n.log.Debug("respond failed", map[string]interface{}{"error": err.Error()})
	}
}

// resolve answers the parked request id.
func (n *Node) resolve(id string, allow bool, reason string) error {
	p, ok := n.pending[id]
	if !ok {
		return errors.NotFound("no pending fragment request " + id)
	}
	delete(n.pending, id)

	var resp *fragment.Response
	var err error
	if allow {
		resp, err = fragment.Grant(n.key, n.store, n.scheme, p.req)
	} else {
		if reason == "" {
			reason = "not authorized"
		}
		resp, err = fragment.Deny(n.key, p.req, reason)
	}
	if err != nil {
		n.tracer.EndFragmentSpan(p.span, telemetry.FragmentSpanOptions{Outcome: metrics.OutcomeError}, err)
		return err
	}
	outcome := metrics.OutcomeDenied
	if resp.Granted {
		outcome = metrics.OutcomeGranted
	}
	n.tracer.EndFragmentSpan(p.span, telemetry.FragmentSpanOptions{
		Outcome: outcome,
		Digest:  fmt.Sprintf("%x", resp.Digest),
	}, nil)
	n.log.Debug("fragment request resolved", map[string]interface{}{
		"requester": string(p.req.Requester),
		"fragment":  p.req.Key().String(),
		"outcome":   outcome,
	})
	n.respond(p.msg, resp)
	return nil
}

// handleSave stores a fragment of a new generation. Older generations stay
// held until that generation's vessel announcement commits it.
func (n *Node) handleSave(msg *bus.Message) {
	var req fragment.SaveRequest
	if err := fragment.Decode(msg.Data, &req); err != nil {
		n.log.Debug("malformed save request", map[string]interface{}{"error": err.Error()})
		return
	}
	ack := fragment.Save(n.key, n.store, &req)
	if ack.OK {
		key := identity.FragmentKey{Agent: req.Info.Agent, Index: req.Index}
		n.notePeer(req.Sender, "", n.clock.Now())
		n.peers.NoteFragmentHolder(key, n.key.ID)
		n.publishHolder([]identity.FragmentKey{key})
		n.emit(FragmentSaved{Key: key, Info: req.Info, From: req.Sender})
		n.log.Debug("fragment saved", map[string]interface{}{
			"fragment": key.String(),
			"from":     string(req.Sender),
		})
	} else {
		n.log.Warn("fragment save refused", map[string]interface{}{
			"from":   string(req.Sender),
			"reason": ack.Reason,
		})
	}
	n.respond(msg, ack)
}

func (n *Node) requestFragment(c *RequestFragment) {
	ctx := c.ctx
	if ctx == nil {
		ctx = n.ctx
	}
	if c.Peer == n.key.ID {
		res, err := n.localFragment(c.Key)
		n.metrics.FragmentRequest(outcomeOf(err))
		if err != nil {
			c.fail(err)
			return
		}
		c.ok(res)
		return
	}
	if !n.peers.Known(c.Peer) {
		n.metrics.FragmentRequest(metrics.OutcomeUnavailable)
		c.fail(errors.Unavailable("unknown peer", errors.WithPeer(string(c.Peer))))
		return
	}
	go n.fetchFragment(ctx, c)
}

// localFragment serves a request to this node from its own store.
func (n *Node) localFragment(key identity.FragmentKey) (FragmentResult, error) {
	req, err := fragment.NewRequest(n.key, n.sealer.Recipient(), key.Agent, key.Index, nil)
	if err != nil {
		return FragmentResult{}, err
	}
	resp, err := fragment.Grant(n.key, n.store, n.scheme, req)
	if err != nil {
		return FragmentResult{}, err
	}
	capsule, cfrag, err := fragment.Accept(n.sealer, req, n.key.ID, resp)
	if err != nil {
		return FragmentResult{}, err
	}
	return FragmentResult{Holder: n.key.ID, Capsule: capsule, Fragment: cfrag}, nil
}

// fetchFragment runs off the loop and replies to c directly.
func (n *Node) fetchFragment(ctx context.Context, c *RequestFragment) {
	ctx, span := n.tracer.StartFragmentSpan(ctx, "request", c.Key.String(), string(c.Peer))
	res, err := n.fetch(ctx, c.Peer, c.Key)
	outcome := outcomeOf(err)
	n.metrics.FragmentRequest(outcome)
	n.tracer.EndFragmentSpan(span, telemetry.FragmentSpanOptions{Outcome: outcome}, err)
	if err != nil {
		c.fail(err)
		return
	}
	c.ok(res)
}

func (n *Node) fetch(ctx context.Context, peer identity.PeerID, key identity.FragmentKey) (FragmentResult, error) {
	req, err := fragment.NewRequest(n.key, n.sealer.Recipient(), key.Agent, key.Index, telemetry.Carry(ctx))
	if err != nil {
		return FragmentResult{}, err
	}
	data, err := fragment.Encode(req)
	if err != nil {
		return FragmentResult{}, errors.Wrap(err, "encode fragment request")
	}
	ctx, cancel := context.WithTimeout(ctx, n.fragmentTimeout)
	defer cancel()
	msg, err := n.bus.Request(ctx, PeerSubject(peer, verbFragment), data)
	if err != nil {
		return FragmentResult{}, requestError(err, peer)
	}
	var resp fragment.Response
	if err := fragment.Decode(msg.Data, &resp); err != nil {
		return FragmentResult{}, errors.InvalidInput("malformed fragment response", errors.WithPeer(string(peer)))
	}
	capsule, cfrag, err := fragment.Accept(n.sealer, req, peer, &resp)
	if err != nil {
		return FragmentResult{}, err
	}
	return FragmentResult{Holder: peer, Capsule: capsule, Fragment: cfrag}, nil
}

type saveJob struct {
	peer identity.PeerID
	req  *fragment.SaveRequest
}

func (n *Node) broadcastFragments(c *BroadcastFragments) {
	if err := c.Info.Validate(); err != nil {
		c.fail(errors.InvalidInput(err.Error()))
		return
	}
	result := BroadcastResult{Failed: make(map[int]string)}
	var local []identity.FragmentKey
	var jobs []saveJob
	for _, a := range c.Assignments {
		idx := a.Fragment.Index
		key := identity.FragmentKey{Agent: c.Info.Agent, Index: idx}
		if a.Peer == n.key.ID {
			if err := n.store.Put(c.Info, c.Capsule, a.Fragment); err != nil {
				result.Failed[idx] = err.Error()
				continue
			}
			n.peers.NoteFragmentHolder(key, n.key.ID)
			local = append(local, key)
			result.Saved = append(result.Saved, idx)
			continue
		}
		recipient := n.peers.Recipient(a.Peer)
		if recipient == "" {
			result.Failed[idx] = "no recipient known for " + a.Peer.Short()
			continue
		}
		req, err := fragment.NewSave(n.key, c.Info, c.Capsule, a.Fragment, recipient)
		if err != nil {
			result.Failed[idx] = err.Error()
			continue
		}
		jobs = append(jobs, saveJob{peer: a.Peer, req: req})
	}
	if len(local) > 0 {
		n.publishHolder(local)
	}
	if len(jobs) == 0 {
		sort.Ints(result.Saved)
		c.ok(result)
		return
	}

	remaining := len(jobs)
	ctx := n.ctx
	for _, j := range jobs {
		j := j
		go func() {
			err := n.save(ctx, j.peer, j.req)
			n.deliver(func() {
				if err != nil {
					result.Failed[j.req.Index] = err.Error()
				} else {
					result.Saved = append(result.Saved, j.req.Index)
					n.peers.NoteFragmentHolder(identity.FragmentKey{Agent: j.req.Info.Agent, Index: j.req.Index}, j.peer)
				}
				remaining--
				if remaining == 0 {
					sort.Ints(result.Saved)
					c.ok(result)
				}
			})
		}()
	}
}

func (n *Node) save(ctx context.Context, peer identity.PeerID, req *fragment.SaveRequest) error {
	data, err := fragment.Encode(req)
	if err != nil {
		return errors.Wrap(err, "encode save request")
	}
	ctx, cancel := context.WithTimeout(ctx, n.fragmentTimeout)
	defer cancel()
	msg, err := n.bus.Request(ctx, PeerSubject(peer, verbSave), data)
	if err != nil {
		return requestError(err, peer)
	}
	var ack fragment.SaveAck
	if err := fragment.Decode(msg.Data, &ack); err != nil {
		return errors.InvalidInput("malformed save ack", errors.WithPeer(string(peer)))
	}
	if ack.Holder != peer || ack.ID != req.ID {
		return errors.InvalidInput("save ack does not match", errors.WithPeer(string(peer)))
	}
	if err := ack.Verify(); err != nil {
		return errors.InvalidInput(err.Error(), errors.WithPeer(string(peer)))
	}
	if !ack.OK {
		return errors.Denied(ack.Reason, errors.WithPeer(string(peer)))
	}
	return nil
}
