package respawn

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/reverie/clock"
	"github.com/vinayprograms/reverie/errors"
	"github.com/vinayprograms/reverie/fragment"
	"github.com/vinayprograms/reverie/identity"
	"github.com/vinayprograms/reverie/logging"
	"github.com/vinayprograms/reverie/metrics"
	"github.com/vinayprograms/reverie/node"
	"github.com/vinayprograms/reverie/peers"
	"github.com/vinayprograms/reverie/telemetry"
	"github.com/vinayprograms/reverie/threshold"
)

// Commands is the part of node.Client the coordinator drives.
type Commands interface {
	State(ctx context.Context) (peers.Snapshot, error)
	Holders(ctx context.Context, key identity.FragmentKey) ([]identity.PeerID, error)
	RequestFragment(ctx context.Context, peer identity.PeerID, key identity.FragmentKey) (node.FragmentResult, error)
	BroadcastFragments(ctx context.Context, info identity.VesselInfo, capsule threshold.Capsule, assignments []node.Assignment) (node.BroadcastResult, error)
	HostAgent(ctx context.Context, info identity.VesselInfo) error
	CompleteRespawn(ctx context.Context, previous identity.AgentID, next identity.VesselInfo) error
	AbortRespawn(ctx context.Context, agent identity.AgentID, reason error) error
	AuthorizeFragment(ctx context.Context, id string, allow bool, reason string) error
}

// Config configures a Coordinator. Self, Commands and Scheme are required.
type Config struct {
	Self     identity.PeerID
	Commands Commands
	Scheme   threshold.Scheme

	// OverRequest is how many indices beyond the threshold are fetched in
	// parallel. Default: 1
	OverRequest int

	// Deadline bounds one migration from first request to completion.
	Deadline time.Duration

	// RetrySameHolder retries a holder once after a timeout before moving
	// on to the next one.
	RetrySameHolder bool

	// Authorizer answers fragment requests. Default: VesselAuthorizer.
	Authorizer Authorizer

	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics metrics.Sink
	Tracer  *telemetry.Tracer
}

// abortTimeout bounds the AbortRespawn sent after a failed migration whose
// own context may already be done.
const abortTimeout = 5 * time.Second

// Coordinator runs migrations for one node and keeps the secrets of the
// agents it hosts.
type Coordinator struct {
	self        identity.PeerID
	cmds        Commands
	scheme      threshold.Scheme
	overRequest int
	deadline    time.Duration
	retry       bool
	auth        Authorizer
	clock       clock.Clock
	log         *logging.Logger
	metrics     metrics.Sink
	tracer      *telemetry.Tracer

	mu       sync.RWMutex
	secrets  map[string][]byte
	failures map[string]Failure

	wg sync.WaitGroup
}

// New creates a coordinator.
func New(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Self == "":
		return nil, errors.InvalidInput("respawn: self is required")
	case cfg.Commands == nil:
		return nil, errors.InvalidInput("respawn: node commands are required")
	case cfg.Scheme == nil:
		return nil, errors.InvalidInput("respawn: threshold scheme is required")
	case cfg.Deadline <= 0:
		return nil, errors.InvalidInput("respawn: deadline must be positive")
	}
	if cfg.OverRequest < 0 {
		cfg.OverRequest = 0
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = VesselAuthorizer{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}
	return &Coordinator{
		self:        cfg.Self,
		cmds:        cfg.Commands,
		scheme:      cfg.Scheme,
		overRequest: cfg.OverRequest,
		deadline:    cfg.Deadline,
		retry:       cfg.RetrySameHolder,
		auth:        cfg.Authorizer,
		clock:       cfg.Clock,
		log:         logging.OrDiscard(cfg.Logger).WithComponent("respawn"),
		metrics:     metrics.OrNoop(cfg.Metrics),
		tracer:      cfg.Tracer,
		secrets:     make(map[string][]byte),
		failures:    make(map[string]Failure),
	}, nil
}

// Secret returns the secret of an agent hosted here.
func (c *Coordinator) Secret(name string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.secrets[name]
	return s, ok
}

// Failure is the last abandoned migration of an agent, kept until a later
// migration of that agent succeeds.
type Failure struct {
	Agent string              `json:"agent"`
	At    time.Time           `json:"at"`
	Err   errors.ReverieError `json:"error"`
}

// Failures lists the outstanding migration failures by agent name.
func (c *Coordinator) Failures() []Failure {
	c.mu.RLock()
	out := make([]Failure, 0, len(c.failures))
	for _, f := range c.failures {
		out = append(out, f)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

func (c *Coordinator) recordFailure(agent identity.AgentID, err error) {
	re := errors.AsReverieError(err)
	if re == nil {
		re = errors.Wrap(err, "respawn failed", errors.WithAgent(agent.String()))
	}
	c.mu.Lock()
	c.failures[agent.Name] = Failure{Agent: agent.String(), At: c.clock.Now(), Err: re}
	c.mu.Unlock()
}

func (c *Coordinator) keep(name string, secret []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secrets[name] = secret
}

// Serve handles events until ctx is done or events is closed, then waits
// for migrations it started.
func (c *Coordinator) Serve(ctx context.Context, events <-chan node.Event) error {
	defer c.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.handle(ctx, ev)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ev node.Event) {
	switch e := ev.(type) {
	case node.FragmentRequested:
		allow, reason := c.auth.Authorize(e.Request, e.Info)
		if err := c.cmds.AuthorizeFragment(ctx, e.ID, allow, reason); err != nil {
			c.log.Warn("authorize fragment", map[string]interface{}{
				"request": e.ID,
				"error":   err.Error(),
			})
		}
	case node.RespawnRequired:
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			_, _ = c.Run(ctx, e.Info)
		}()
	case node.RespawnCompleted:
		c.mu.Lock()
		delete(c.failures, e.Info.Agent.Name)
		c.mu.Unlock()
		c.log.Info("agent migrated", map[string]interface{}{
			"previous": e.Previous.String(),
			"agent":    e.Info.Agent.String(),
			"next":     string(e.Info.NextVessel),
			"duration": e.Duration.String(),
		})
	case node.RespawnFailed:
		err := e.Err
		if err == nil {
			err = errors.New(errors.ErrCodeCanceled, "respawn aborted")
		}
		c.recordFailure(e.Agent, err)
		c.log.Warn("migration abandoned", map[string]interface{}{
			"agent":     e.Agent.String(),
			"error":     err.Error(),
			"code":      string(errors.Code(err)),
			"retryable": errors.IsRetryable(err),
		})
	case node.FragmentSaved:
		c.log.Debug("holding fragment", map[string]interface{}{
			"fragment": e.Key.String(),
			"from":     string(e.From),
		})
	case node.AgentAnnounced:
		c.log.Debug("agent announcement", map[string]interface{}{
			"topic": e.Topic,
			"kind":  string(e.Announcement.Kind),
		})
	}
}

// Run migrates the agent described by info onto this node. On failure the
// pending marker is cleared through AbortRespawn; the caller decides
// whether to try again.
func (c *Coordinator) Run(ctx context.Context, info identity.VesselInfo) (identity.VesselInfo, error) {
	start := c.clock.Now()
	agent := info.Agent.String()
	c.metrics.RespawnStarted()
	ctx, span := c.tracer.StartRespawnSpan(ctx, agent)
	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	spanOpts := telemetry.RespawnSpanOptions{Successor: string(c.self), Threshold: info.Threshold}
	next, err := c.migrate(ctx, info, &spanOpts)
	spanOpts.Duration = c.clock.Now().Sub(start)
	c.tracer.EndRespawnSpan(span, spanOpts, err)
	if err != nil {
		outcome := metrics.OutcomeError
		if errors.Is(err, errors.ErrCodeInsufficientThreshold) {
			outcome = metrics.OutcomeInsufficient
		}
		c.metrics.RespawnFinished(outcome, spanOpts.Duration)
		c.log.RespawnComplete(agent, spanOpts.Duration, err)
		actx, acancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
		if aerr := c.cmds.AbortRespawn(actx, info.Agent, err); aerr != nil {
			c.log.Warn("abort respawn", map[string]interface{}{"agent": agent, "error": aerr.Error()})
		}
		acancel()
		return identity.VesselInfo{}, err
	}
	c.metrics.RespawnFinished(metrics.OutcomeSuccess, spanOpts.Duration)
	return next, nil
}

func (c *Coordinator) migrate(ctx context.Context, info identity.VesselInfo, spanOpts *telemetry.RespawnSpanOptions) (identity.VesselInfo, error) {
	agent := info.Agent.String()
	if err := info.Validate(); err != nil {
		return identity.VesselInfo{}, errors.InvalidInput(err.Error(), errors.WithAgent(agent))
	}

	c.log.RespawnStep(agent, "collect", map[string]interface{}{
		"threshold": info.Threshold,
		"total":     info.TotalFrags,
	})
	capsule, cfrags, requests, err := c.collect(ctx, info)
	spanOpts.Collected = len(cfrags)
	spanOpts.Requests = requests
	if err != nil {
		return identity.VesselInfo{}, err
	}

	c.log.RespawnStep(agent, "reconstruct", map[string]interface{}{"collected": len(cfrags)})
	secret, err := c.scheme.Reconstruct(capsule, cfrags, info.Threshold)
	if err != nil {
		return identity.VesselInfo{}, errors.Wrap(err, "reconstruct secret", errors.WithAgent(agent))
	}

	live, err := c.livePeers(ctx, info.CurrentVessel)
	if err != nil {
		return identity.VesselInfo{}, err
	}
	next := identity.VesselInfo{
		Agent:         info.Agent.Next(),
		TotalFrags:    info.TotalFrags,
		Threshold:     info.Threshold,
		CurrentVessel: c.self,
	}
	if len(live) > 0 {
		next.NextVessel = live[0]
	}
	spanOpts.NextVessel = string(next.NextVessel)

	c.log.RespawnStep(agent, "redistribute", map[string]interface{}{
		"agent": next.Agent.String(),
		"next":  string(next.NextVessel),
	})
	if err := c.distribute(ctx, next, secret, live); err != nil {
		return identity.VesselInfo{}, err
	}
	if err := c.cmds.CompleteRespawn(ctx, info.Agent, next); err != nil {
		return identity.VesselInfo{}, err
	}
	c.keep(next.Agent.Name, secret)
	return next, nil
}

type fetched struct {
	index    int
	result   node.FragmentResult
	requests int
	err      error
}

// collect gathers Threshold capsule fragments. Up to Threshold+OverRequest
// indices are worked on at once; an index whose holders are exhausted
// makes room for the next one.
func (c *Coordinator) collect(ctx context.Context, info identity.VesselInfo) (threshold.Capsule, []threshold.CapsuleFragment, int, error) {
	agent := info.Agent.String()
	type candidate struct {
		key     identity.FragmentKey
		holders []identity.PeerID
	}
	var cands []candidate
	for i := 0; i < info.TotalFrags; i++ {
		key := identity.FragmentKey{Agent: info.Agent, Index: i}
		holders, err := c.cmds.Holders(ctx, key)
		if err != nil {
			return threshold.Capsule{}, nil, 0, err
		}
		if len(holders) > 0 {
			cands = append(cands, candidate{key: key, holders: holders})
		}
	}
	need := info.Threshold
	if len(cands) < need {
		return threshold.Capsule{}, nil, 0, errors.InsufficientThreshold(agent, len(cands), need,
			errors.WithMetadata("reason", "not enough known holders"))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan fetched, len(cands))
	launched, inflight := 0, 0
	launch := func() {
		cand := cands[launched]
		launched++
		inflight++
		go func() { results <- c.fetchIndex(ctx, cand.key, cand.holders) }()
	}
	for launched < len(cands) && inflight < need+c.overRequest {
		launch()
	}

	var capsule threshold.Capsule
	var cfrags []threshold.CapsuleFragment
	requests := 0
	for inflight > 0 {
		var r fetched
		select {
		case r = <-results:
		case <-ctx.Done():
			return threshold.Capsule{}, cfrags, requests, errors.InsufficientThreshold(agent, len(cfrags), need,
				errors.WithCause(ctx.Err()))
		}
		inflight--
		requests += r.requests
		switch {
		case r.err != nil:
			c.log.RespawnStep(agent, "index_exhausted", map[string]interface{}{
				"index": r.index,
				"error": r.err.Error(),
			})
		case len(cfrags) > 0 && !bytes.Equal(r.result.Capsule.ID, capsule.ID):
			c.log.Warn("fragment from another capsule", map[string]interface{}{
				"agent":  agent,
				"index":  r.index,
				"holder": string(r.result.Holder),
			})
		default:
			capsule = r.result.Capsule
			cfrags = append(cfrags, r.result.Fragment)
			if len(cfrags) >= need {
				return capsule, cfrags, requests, nil
			}
			continue
		}
		if launched < len(cands) {
			launch()
		}
	}
	return threshold.Capsule{}, cfrags, requests, errors.InsufficientThreshold(agent, len(cfrags), need)
}

// fetchIndex walks the holders of key in order. A denial moves on at once;
// a timeout is retried once against the same holder when configured.
func (c *Coordinator) fetchIndex(ctx context.Context, key identity.FragmentKey, holders []identity.PeerID) fetched {
	out := fetched{index: key.Index}
	attempts := 1
	if c.retry {
		attempts = 2
	}
	for _, holder := range holders {
		for attempt := 1; attempt <= attempts; attempt++ {
			out.requests++
			res, err := c.cmds.RequestFragment(ctx, holder, key)
			if err == nil {
				out.result = res
				out.err = nil
				return out
			}
			out.err = err
			kind := fragment.KindOf(err)
			c.log.Debug("fragment request failed", map[string]interface{}{
				"fragment": key.String(),
				"holder":   string(holder),
				"attempt":  attempt,
				"kind":     kind.String(),
			})
			if kind != fragment.KindTimeout || ctx.Err() != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	if out.err == nil {
		out.err = errors.Unavailable("no holders for " + key.String())
	}
	return out
}

// livePeers lists known peers freshest first, leaving out this node and
// exclude.
func (c *Coordinator) livePeers(ctx context.Context, exclude identity.PeerID) ([]identity.PeerID, error) {
	snap, err := c.cmds.State(ctx)
	if err != nil {
		return nil, err
	}
	ps := make([]peers.PeerSnapshot, 0, len(snap.Peers))
	for _, p := range snap.Peers {
		if p.ID != c.self && p.ID != exclude {
			ps = append(ps, p)
		}
	}
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].SinceLast != ps[j].SinceLast {
			return ps[i].SinceLast < ps[j].SinceLast
		}
		return ps[i].ID < ps[j].ID
	})
	out := make([]identity.PeerID, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out, nil
}

// distribute splits secret for info and stores one fragment per holder.
// With fewer holders than fragments the remainder stays on this node.
func (c *Coordinator) distribute(ctx context.Context, info identity.VesselInfo, secret []byte, holders []identity.PeerID) error {
	agent := info.Agent.String()
	capsule, frags, err := c.scheme.Split(secret, info.TotalFrags, info.Threshold)
	if err != nil {
		return errors.Wrap(err, "split secret", errors.WithAgent(agent))
	}
	assignments := make([]node.Assignment, len(frags))
	for i, f := range frags {
		peer := c.self
		if i < len(holders) {
			peer = holders[i]
		}
		assignments[i] = node.Assignment{Peer: peer, Fragment: f}
	}
	if len(holders) < len(frags) {
		c.log.Warn("too few peers to spread fragments", map[string]interface{}{
			"agent": agent,
			"peers": len(holders),
			"total": len(frags),
		})
	}
	res, err := c.cmds.BroadcastFragments(ctx, info, capsule, assignments)
	if err != nil {
		return err
	}
	if len(res.Saved) < info.Threshold {
		return errors.Unavailable(fmt.Sprintf("only %d of %d fragments stored", len(res.Saved), len(frags)),
			errors.WithAgent(agent))
	}
	for idx, reason := range res.Failed {
		c.log.Warn("fragment not stored", map[string]interface{}{
			"agent":  agent,
			"index":  idx,
			"reason": reason,
		})
	}
	return nil
}

// SpawnRequest describes a new agent.
type SpawnRequest struct {
	Name      string
	Secret    []byte
	Total     int
	Threshold int
	// Next is the designated successor; the freshest live peer when empty.
	Next identity.PeerID
	// Holders receive fragments in order; the freshest live peers other
	// than Next when empty.
	Holders []identity.PeerID
}

// Spawn creates generation 1 of an agent hosted on this node.
func (c *Coordinator) Spawn(ctx context.Context, req SpawnRequest) (identity.VesselInfo, error) {
	agent, err := identity.ValidateAgentID(req.Name + "-1")
	if err != nil || agent.Name == "" {
		return identity.VesselInfo{}, errors.InvalidInput(fmt.Sprintf("invalid agent name %q", req.Name))
	}
	if len(req.Secret) == 0 {
		return identity.VesselInfo{}, errors.InvalidInput("empty secret", errors.WithAgent(agent.String()))
	}
	live, err := c.livePeers(ctx, "")
	if err != nil {
		return identity.VesselInfo{}, err
	}
	info := identity.VesselInfo{
		Agent:         agent,
		TotalFrags:    req.Total,
		Threshold:     req.Threshold,
		CurrentVessel: c.self,
		NextVessel:    req.Next,
	}
	if info.NextVessel == "" && len(live) > 0 {
		info.NextVessel = live[0]
	}
	if err := info.Validate(); err != nil {
		return identity.VesselInfo{}, errors.InvalidInput(err.Error(), errors.WithAgent(agent.String()))
	}
	holders := req.Holders
	if len(holders) == 0 {
		for _, p := range live {
			if p != info.NextVessel {
				holders = append(holders, p)
			}
		}
	}
	if err := c.distribute(ctx, info, req.Secret, holders); err != nil {
		return identity.VesselInfo{}, err
	}
	if err := c.cmds.HostAgent(ctx, info); err != nil {
		return identity.VesselInfo{}, err
	}
	c.keep(agent.Name, req.Secret)
	c.log.RespawnStep(agent.String(), "spawned", map[string]interface{}{"next": string(info.NextVessel)})
	return info, nil
}
