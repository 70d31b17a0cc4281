package node

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/reverie/bus"
	"github.com/vinayprograms/reverie/clock"
	"github.com/vinayprograms/reverie/discovery"
	"github.com/vinayprograms/reverie/errors"
	"github.com/vinayprograms/reverie/fragment"
	"github.com/vinayprograms/reverie/heartbeat"
	"github.com/vinayprograms/reverie/identity"
	"github.com/vinayprograms/reverie/logging"
	"github.com/vinayprograms/reverie/metrics"
	"github.com/vinayprograms/reverie/peers"
	"github.com/vinayprograms/reverie/ratelimit"
	"github.com/vinayprograms/reverie/telemetry"
	"github.com/vinayprograms/reverie/threshold"
)

// Options configures a Node. Key, Sealer, Scheme, Attestor and Bus are
// required.
type Options struct {
	Key      *identity.Keypair
	Sealer   *fragment.Sealer
	Scheme   threshold.Scheme
	Attestor heartbeat.Attestor
	Bus      bus.MessageBus

	// Discovery is optional; without it peers are learned from hellos and
	// heartbeats only.
	Discovery discovery.Source

	Heartbeat heartbeat.Config

	// Tick drives heartbeat scheduling, liveness sweeps and authorization
	// expiry. Default: 100ms
	Tick time.Duration

	// FragmentTimeout bounds one fragment or save round trip.
	// Default: Heartbeat.MaxTimeBeforeRotation()
	FragmentTimeout time.Duration

	// AuthorizationTimeout is how long an inbound fragment request waits
	// for AuthorizeFragment before it is denied.
	// Default: Heartbeat.SendTimeout
	AuthorizationTimeout time.Duration

	CommandBuffer int
	EventBuffer   int

	// RateLimit throttles inbound fragment requests per requester. A zero
	// capacity disables it.
	RateLimit ratelimit.Config

	// Client is advertised to peers in hellos.
	Client string

	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics metrics.Sink
	Tracer  *telemetry.Tracer
}

const defaultBuffer = 64

// pendingAuth is an inbound fragment request waiting for the application.
type pendingAuth struct {
	req      *fragment.Request
	msg      *bus.Message
	deadline time.Time
	span     trace.Span
}

// Node is one reverie peer. Create with New, start with Run, and talk to it
// through Client and Events.
type Node struct {
	key       *identity.Keypair
	sealer    *fragment.Sealer
	scheme    threshold.Scheme
	attestor  heartbeat.Attestor
	bus       bus.MessageBus
	discovery discovery.Source
	hb        heartbeat.Config
	clock     clock.Clock
	log       *logging.Logger
	metrics   metrics.Sink
	tracer    *telemetry.Tracer
	limiter   *ratelimit.Limiter

	tickEvery       time.Duration
	rotation        time.Duration
	fragmentTimeout time.Duration
	authTimeout     time.Duration
	clientName      string

	// Loop-owned state.
	peers     *peers.Manager
	channels  map[identity.PeerID]*heartbeat.Channel
	store     *fragment.Store
	pending   map[string]*pendingAuth
	topics    map[string]bus.Subscription
	subs      []bus.Subscription
	height    uint64
	listening bool
	addr      string
	ctx       context.Context

	cmds     chan Command
	events   chan Event
	internal chan func()
	done     chan struct{}
	health   *Health
	running  atomic.Bool
	client   *Client
}

// New validates opts and builds a node that is not yet running.
func New(opts Options) (*Node, error) {
	switch {
	case opts.Key == nil:
		return nil, errors.InvalidInput("node: key is required")
	case opts.Sealer == nil:
		return nil, errors.InvalidInput("node: sealer is required")
	case opts.Scheme == nil:
		return nil, errors.InvalidInput("node: threshold scheme is required")
	case opts.Attestor == nil:
		return nil, errors.InvalidInput("node: attestor is required")
	case opts.Bus == nil:
		return nil, errors.InvalidInput("node: message bus is required")
	}
	if opts.Heartbeat == (heartbeat.Config{}) {
		opts.Heartbeat = heartbeat.DefaultConfig()
	}
	if err := opts.Heartbeat.Validate(); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "node: heartbeat config")
	}
	if opts.Tick <= 0 {
		opts.Tick = 100 * time.Millisecond
	}
	if opts.FragmentTimeout <= 0 {
		opts.FragmentTimeout = opts.Heartbeat.MaxTimeBeforeRotation()
	}
	if opts.AuthorizationTimeout <= 0 {
		opts.AuthorizationTimeout = opts.Heartbeat.SendTimeout
	}
	if opts.CommandBuffer <= 0 {
		opts.CommandBuffer = defaultBuffer
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultBuffer
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.GetTracer()
	}

	n := &Node{
		key:             opts.Key,
		sealer:          opts.Sealer,
		scheme:          opts.Scheme,
		attestor:        opts.Attestor,
		bus:             opts.Bus,
		discovery:       opts.Discovery,
		hb:              opts.Heartbeat,
		clock:           opts.Clock,
		log:             logging.OrDiscard(opts.Logger).WithComponent("node"),
		metrics:         metrics.OrNoop(opts.Metrics),
		tracer:          opts.Tracer,
		tickEvery:       opts.Tick,
		rotation:        opts.Heartbeat.MaxTimeBeforeRotation(),
		fragmentTimeout: opts.FragmentTimeout,
		authTimeout:     opts.AuthorizationTimeout,
		clientName:      opts.Client,
		peers:           peers.NewManager(opts.Key.ID, opts.Heartbeat.HistoryWindow),
		channels:        make(map[identity.PeerID]*heartbeat.Channel),
		store:           fragment.NewStore(opts.Sealer),
		pending:         make(map[string]*pendingAuth),
		topics:          make(map[string]bus.Subscription),
		cmds:            make(chan Command, opts.CommandBuffer),
		events:          make(chan Event, opts.EventBuffer),
		internal:        make(chan func(), opts.CommandBuffer),
		done:            make(chan struct{}),
		health:          &Health{},
		ctx:             context.Background(),
	}
	if opts.RateLimit.Capacity > 0 {
		l, err := ratelimit.New(opts.RateLimit, opts.Clock.Now)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "node: rate limit")
		}
		n.limiter = l
	}
	n.client = &Client{cmds: n.cmds, done: n.done}
	return n, nil
}

// ID returns the node's peer id.
func (n *Node) ID() identity.PeerID { return n.key.ID }

// Recipient returns the age recipient fragments for this node are sealed to.
func (n *Node) Recipient() string { return n.sealer.Recipient() }

// Client returns the command client.
func (n *Node) Client() *Client { return n.client }

// Events returns the event stream. It is closed when Run returns.
func (n *Node) Events() <-chan Event { return n.events }

// Done is closed when Run returns.
func (n *Node) Done() <-chan struct{} { return n.done }

// Healthy reports the node's health flag.
func (n *Node) Healthy() bool { return n.health.Healthy() }

// Run owns the node state until ctx is done. It may be called once.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return errors.Precondition("node: already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	n.ctx = ctx
	defer n.shutdown()

	ticker := n.clock.NewTicker(n.tickEvery)
	defer ticker.Stop()

	n.log.Info("event loop started", map[string]interface{}{
		"peer": string(n.key.ID),
		"tick": n.tickEvery.String(),
	})
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-n.cmds:
			n.dispatch(cmd)
		case f := <-n.internal:
			n.runInternal(f)
		case now := <-ticker.C:
			n.tick(now)
		}
	}
}

func (n *Node) shutdown() {
	for topic, sub := range n.topics {
		_ = sub.Unsubscribe()
		delete(n.topics, topic)
	}
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	n.subs = nil
	if n.discovery != nil && n.listening {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := n.discovery.Deregister(ctx, n.key.ID); err != nil {
			n.log.Debug("deregister failed", map[string]interface{}{"error": err.Error()})
		}
		cancel()
	}
	for id, p := range n.pending {
		n.tracer.EndFragmentSpan(p.span, telemetry.FragmentSpanOptions{Outcome: "abandoned"}, nil)
		delete(n.pending, id)
	}
	close(n.done)
	close(n.events)
	n.log.Info("event loop stopped", map[string]interface{}{"peer": string(n.key.ID)})
}

// dispatch is the single switch over the command set. A panicking handler
// answers its command with PANIC and the loop carries on.
func (n *Node) dispatch(cmd Command) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.RecoverPanic(r)
			n.log.Error("command panicked", map[string]interface{}{
				"command": cmd.name(),
				"error":   err.Error(),
			})
			cmd.fail(err)
		}
	}()
	switch c := cmd.(type) {
	case *StartListening:
		n.startListening(c)
	case *Subscribe:
		n.subscribe(c)
	case *Unsubscribe:
		n.unsubscribe(c)
	case *RequestFragment:
		n.requestFragment(c)
	case *BroadcastFragments:
		n.broadcastFragments(c)
	case *QueryState:
		c.ok(n.peers.Snapshot(n.clock.Now()))
	case *QueryHolders:
		c.ok(n.peers.RankedHolders(c.Key, n.clock.Now()))
	case *HostAgent:
		n.hostAgent(c)
	case *TriggerRespawn:
		n.triggerRespawn(c)
	case *CompleteRespawn:
		n.completeRespawn(c)
	case *AbortRespawn:
		n.abortRespawn(c)
	case *AuthorizeFragment:
		if err := n.resolve(c.ID, c.Allow, c.Reason); err != nil {
			c.fail(err)
			return
		}
		c.ok(struct{}{})
	case *SimulateFailure:
		n.health.Fail("simulated failure")
		n.log.Warn("node marked unhealthy", map[string]interface{}{"peer": string(n.key.ID)})
		c.ok(struct{}{})
	default:
		cmd.fail(errors.InvalidInput(fmt.Sprintf("unknown command %T", cmd)))
	}
}

func (n *Node) runInternal(f func()) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("internal task panicked", map[string]interface{}{
				"error": errors.RecoverPanic(r).Error(),
			})
		}
	}()
	f()
}

// deliver hands f to the loop from another goroutine. It reports false once
// the loop is gone.
func (n *Node) deliver(f func()) bool {
	select {
	case n.internal <- f:
		return true
	case <-n.ctx.Done():
		return false
	}
}

// pump forwards every message of sub into the loop.
func (n *Node) pump(sub bus.Subscription, handle func(*bus.Message)) {
	for msg := range sub.Messages() {
		m := msg
		if !n.deliver(func() { handle(m) }) {
			return
		}
	}
}

// emit sends ev without blocking the loop.
func (n *Node) emit(ev Event) bool {
	select {
	case n.events <- ev:
		return true
	default:
		n.log.Warn("event dropped", map[string]interface{}{"event": fmt.Sprintf("%T", ev)})
		return false
	}
}

func (n *Node) tick(now time.Time) {
	if !n.health.Healthy() {
		return
	}
	for _, ch := range n.channels {
		if ch.Expired(now) {
			n.heartbeatFailed(ch, ch.Seq(), now, errors.Timeout("heartbeat ack deadline passed"))
			if ch.State() == heartbeat.StateClosed {
				continue
			}
		}
		if ch.Due(now) {
			n.sendHeartbeat(ch, now)
		}
	}
	for _, id := range n.peers.Stale(now, n.rotation) {
		n.peerFailed(id, "silent for longer than rotation window")
	}
	for id, p := range n.pending {
		if !now.Before(p.deadline) {
			if err := n.resolve(id, false, "authorization timed out"); err != nil {
				n.log.Debug("expire authorization", map[string]interface{}{"error": err.Error()})
			}
		}
	}
	n.metrics.PeersKnown(len(n.peers.Peers()))
}

func (n *Node) startListening(c *StartListening) {
	if n.listening {
		c.fail(errors.New(errors.ErrCodeConflict, "already listening on "+n.addr))
		return
	}
	direct, err := n.bus.Subscribe(peerPrefix + string(n.key.ID) + ".*")
	if err != nil {
		c.fail(errors.WrapWithCode(err, errors.ErrCodeNetworkErr, "subscribe direct subjects"))
		return
	}
	announce, err := n.bus.Subscribe(AnnounceTopic)
	if err != nil {
		_ = direct.Unsubscribe()
		c.fail(errors.WrapWithCode(err, errors.ErrCodeNetworkErr, "subscribe announcements"))
		return
	}
	n.subs = append(n.subs, direct, announce)
	go n.pump(direct, n.handleDirect)
	go n.pump(announce, n.handleAnnouncement)
	n.listening = true
	n.addr = c.Addr
	n.log.Info("listening", map[string]interface{}{"peer": string(n.key.ID), "addr": c.Addr})
	n.publishHello(true)

	if n.discovery == nil {
		c.ok(struct{}{})
		return
	}
	ctx := n.ctx
	entry := discovery.Entry{Peer: n.key.ID, Addr: c.Addr}
	go func() {
		if err := n.discovery.Register(ctx, entry); err != nil {
			c.fail(errors.WrapWithCode(err, errors.ErrCodeUnavailable, "register with discovery"))
			return
		}
		changes, err := n.discovery.Changes(ctx)
		if err != nil {
			c.fail(errors.WrapWithCode(err, errors.ErrCodeUnavailable, "watch discovery"))
			return
		}
		c.ok(struct{}{})
		for change := range changes {
			ch := change
			if !n.deliver(func() { n.handleChange(ch) }) {
				return
			}
		}
	}()
}

func (n *Node) handleChange(ch discovery.Change) {
	if ch.Peer == n.key.ID || !n.health.Healthy() {
		return
	}
	switch ch.Kind {
	case discovery.Discovered:
		n.notePeer(ch.Peer, ch.Addr, n.clock.Now())
	case discovery.Expired:
		n.peerFailed(ch.Peer, "discovery registration expired")
	}
}

func (n *Node) subscribe(c *Subscribe) {
	topic := AgentTopic(c.Agent)
	if _, ok := n.topics[topic]; ok {
		c.ok(struct{}{})
		return
	}
	sub, err := n.bus.Subscribe(topic)
	if err != nil {
		c.fail(errors.WrapWithCode(err, errors.ErrCodeNetworkErr, "subscribe "+topic))
		return
	}
	n.topics[topic] = sub
	go n.pump(sub, n.handleAgentAnnouncement)
	c.ok(struct{}{})
}

func (n *Node) unsubscribe(c *Unsubscribe) {
	topic := AgentTopic(c.Agent)
	sub, ok := n.topics[topic]
	if !ok {
		c.ok(struct{}{})
		return
	}
	delete(n.topics, topic)
	if err := sub.Unsubscribe(); err != nil {
		c.fail(errors.WrapWithCode(err, errors.ErrCodeNetworkErr, "unsubscribe "+topic))
		return
	}
	c.ok(struct{}{})
}

// notePeer records a sighting of id and reports whether it was new. New
// peers get a heartbeat channel and a hello.
func (n *Node) notePeer(id identity.PeerID, addr string, now time.Time) bool {
	if !n.peers.PeerSeen(id, addr, now) {
		return false
	}
	n.channels[id] = heartbeat.NewChannel(id, n.hb, now)
	n.log.PeerEvent("seen", string(id), map[string]interface{}{"addr": addr})
	n.metrics.PeersKnown(len(n.peers.Peers()))
	n.publishHello(true)
	return true
}

// peerFailed drops id and starts whatever its loss requires of this node:
// respawning agents it hosted for which we are next, and electing a new
// successor for agents we host that named it next.
func (n *Node) peerFailed(id identity.PeerID, reason string) {
	if ch, ok := n.channels[id]; ok {
		ch.Close()
		delete(n.channels, id)
	}
	hosted := n.peers.HostedBy(id)
	if !n.peers.PeerDeparted(id) {
		return
	}
	if n.limiter != nil {
		n.limiter.Forget(string(id))
	}
	n.metrics.PeerFailed()
	n.metrics.PeersKnown(len(n.peers.Peers()))
	n.log.PeerEvent("failed", string(id), map[string]interface{}{"reason": reason})

	for _, info := range hosted {
		if info.NextVessel == n.key.ID {
			_ = n.requireRespawn(info, "vessel "+id.Short()+" failed: "+reason)
		}
	}
	for _, info := range n.peers.Hosting() {
		if info.NextVessel == id {
			n.reelect(info)
		}
	}
}

// reelect replaces a departed next vessel with the freshest live peer.
func (n *Node) reelect(info identity.VesselInfo) {
	candidates := n.peers.Freshest(n.clock.Now())
	if len(candidates) == 0 {
		n.log.Warn("no successor available", map[string]interface{}{"agent": info.Agent.String()})
		return
	}
	info.NextVessel = candidates[0]
	if n.peers.SetVesselInfo(info) {
		n.log.RespawnStep(info.Agent.String(), "successor_elected", map[string]interface{}{
			"next": string(info.NextVessel),
		})
		n.publishVessel(info)
	}
}

// requireRespawn sets the pending marker for info.Agent and tells the
// application to migrate it here.
func (n *Node) requireRespawn(info identity.VesselInfo, reason string) error {
	if !n.peers.BeginRespawn(info.Agent, n.clock.Now()) {
		n.log.Debug("respawn already pending", map[string]interface{}{"agent": info.Agent.String()})
		return errors.RespawnPending(info.Agent.String())
	}
	n.log.RespawnStep(info.Agent.String(), "required", map[string]interface{}{"reason": reason})
	if !n.emit(RespawnRequired{Info: info, Reason: reason}) {
		n.peers.AbortRespawn(info.Agent)
		return errors.Unavailable("event buffer full", errors.WithAgent(info.Agent.String()))
	}
	return nil
}

// applyVessel records info and purges what it supersedes.
func (n *Node) applyVessel(info identity.VesselInfo) bool {
	if err := info.Validate(); err != nil {
		n.log.Debug("invalid vessel info", map[string]interface{}{"error": err.Error()})
		return false
	}
	if !n.peers.SetVesselInfo(info) {
		return false
	}
	if purged := n.store.Purge(info.Agent.Name, info.Agent.Nonce); purged > 0 {
		n.log.Debug("purged superseded fragments", map[string]interface{}{
			"agent":  info.Agent.String(),
			"purged": purged,
		})
	}
	n.peers.PruneHolders(info.Agent.Name, info.Agent.Nonce)
	return true
}

func (n *Node) hostAgent(c *HostAgent) {
	if err := c.Info.Validate(); err != nil {
		c.fail(errors.InvalidInput(err.Error()))
		return
	}
	if c.Info.CurrentVessel != n.key.ID {
		c.fail(errors.Precondition("current vessel is not this node", errors.WithAgent(c.Info.Agent.String())))
		return
	}
	if !n.applyVessel(c.Info) {
		c.fail(errors.New(errors.ErrCodeConflict, "a newer generation is known", errors.WithAgent(c.Info.Agent.String())))
		return
	}
	n.publishVessel(c.Info)
	n.log.RespawnStep(c.Info.Agent.String(), "hosting", map[string]interface{}{"next": string(c.Info.NextVessel)})
	c.ok(struct{}{})
}

func (n *Node) triggerRespawn(c *TriggerRespawn) {
	info, ok := n.peers.VesselInfo(c.Agent)
	if !ok {
		c.fail(errors.NotFound("unknown agent " + c.Agent))
		return
	}
	successor := c.Successor
	if successor == "" {
		successor = info.NextVessel
	}
	switch {
	case successor == "":
		c.fail(errors.Precondition("no successor known", errors.WithAgent(info.Agent.String())))
		return
	case successor == info.CurrentVessel:
		c.fail(errors.InvalidInput("successor must differ from the current vessel", errors.WithAgent(info.Agent.String())))
		return
	case n.peers.IsPending(info.Agent):
		c.fail(errors.RespawnPending(info.Agent.String()))
		return
	case successor != n.key.ID && !n.peers.Known(successor):
		c.fail(errors.Unavailable("successor is not a live peer", errors.WithPeer(string(successor))))
		return
	}
	order := info
	order.NextVessel = successor
	n.peers.SetVesselInfo(order)
	n.publish(&fragment.Announcement{Kind: fragment.AnnounceOrder, Vessels: []identity.VesselInfo{order}},
		AnnounceTopic, AgentTopic(order.Agent.Name))
	if successor == n.key.ID {
		if err := n.requireRespawn(order, "respawn ordered"); err != nil {
			c.fail(err)
			return
		}
	}
	c.ok(order)
}

func (n *Node) completeRespawn(c *CompleteRespawn) {
	agent := c.Previous.String()
	switch {
	case c.Next.Agent != c.Previous.Next():
		c.fail(errors.InvalidInput("next generation must follow "+agent, errors.WithAgent(agent)))
		return
	case c.Next.CurrentVessel != n.key.ID:
		c.fail(errors.Precondition("new vessel is not this node", errors.WithAgent(agent)))
		return
	case c.Next.Validate() != nil:
		c.fail(errors.InvalidInput(c.Next.Validate().Error(), errors.WithAgent(agent)))
		return
	}
	since, ok := n.peers.PendingSince(c.Previous)
	if !ok {
		c.fail(errors.Precondition("no respawn pending", errors.WithAgent(agent)))
		return
	}
	n.peers.CompleteRespawn(c.Previous, c.Next)
	n.store.Purge(c.Next.Agent.Name, c.Next.Agent.Nonce)
	n.peers.PruneHolders(c.Next.Agent.Name, c.Next.Agent.Nonce)
	n.publishVessel(c.Next)

	d := n.clock.Now().Sub(since)
	n.log.RespawnComplete(c.Next.Agent.String(), d, nil)
	n.emit(RespawnCompleted{Previous: c.Previous, Info: c.Next, Duration: d})
	c.ok(struct{}{})
}

func (n *Node) abortRespawn(c *AbortRespawn) {
	if !n.peers.AbortRespawn(c.Agent) {
		c.fail(errors.Precondition("no respawn pending", errors.WithAgent(c.Agent.String())))
		return
	}
	reason := c.Reason
	if reason == nil {
		reason = errors.New(errors.ErrCodeCanceled, "respawn aborted", errors.WithAgent(c.Agent.String()))
	}
	n.log.RespawnComplete(c.Agent.String(), 0, reason)
	n.emit(RespawnFailed{Agent: c.Agent, Err: reason})
	c.ok(struct{}{})
}
