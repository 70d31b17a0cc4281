// vesseld hosts reverie agents: it keeps heartbeats with its peers, holds
// re-encrypted fragments for other vessels and migrates an agent here
// when its vessel stops answering.
//
// Run: vesseld --config vessel.toml
// Stop: Ctrl+C (SIGINT) or kill (SIGTERM)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/vinayprograms/reverie/bus"
	"github.com/vinayprograms/reverie/config"
	"github.com/vinayprograms/reverie/discovery"
	"github.com/vinayprograms/reverie/fragment"
	"github.com/vinayprograms/reverie/heartbeat"
	"github.com/vinayprograms/reverie/identity"
	"github.com/vinayprograms/reverie/logging"
	"github.com/vinayprograms/reverie/metrics"
	"github.com/vinayprograms/reverie/node"
	"github.com/vinayprograms/reverie/peers"
	"github.com/vinayprograms/reverie/respawn"
	"github.com/vinayprograms/reverie/shutdown"
	"github.com/vinayprograms/reverie/telemetry"
	"github.com/vinayprograms/reverie/threshold"
)

const clientName = "vesseld/0.1"

type flags struct {
	config        string
	seed          int64
	nats          string
	etcd          []string
	metricsListen string
	logLevel      string

	spawn       string
	secretFile  string
	total       int
	threshold   int
	spawnWithin time.Duration
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vesseld: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var f flags
	fs := pflag.NewFlagSet("vesseld", pflag.ContinueOnError)
	fs.StringVarP(&f.config, "config", "c", "", "TOML configuration file")
	fs.Int64Var(&f.seed, "seed", -1, "derive the node key from this seed (testing only)")
	fs.StringVar(&f.nats, "nats", "", "NATS server URL (overrides nats.url)")
	fs.StringSliceVar(&f.etcd, "etcd", nil, "etcd endpoints (overrides etcd.endpoints)")
	fs.StringVar(&f.metricsListen, "metrics-listen", "", "serve /metrics and /healthz here (overrides metrics.listen)")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (overrides log.level)")
	fs.StringVar(&f.spawn, "spawn", "", "spawn an agent with this name once peers are known")
	fs.StringVar(&f.secretFile, "secret-file", "", "secret for --spawn")
	fs.IntVar(&f.total, "total", 3, "fragments for --spawn")
	fs.IntVar(&f.threshold, "threshold", 2, "fragments needed to reconstruct a --spawn agent")
	fs.DurationVar(&f.spawnWithin, "spawn-within", time.Minute, "how long --spawn waits for enough peers")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	log := logging.New()
	log.SetLevel(logging.ParseLevel(cfg.Log.Level))
	log.SetFormat(logging.Format(cfg.Log.Format))
	defer func() { _ = log.Sync() }()

	key, sealer, err := loadIdentity(cfg, f.seed)
	if err != nil {
		return err
	}
	log.Info("starting", map[string]interface{}{
		"peer":      key.ID.String(),
		"recipient": sealer.Recipient(),
		"client":    clientName,
	})

	coord := shutdown.New(shutdown.Config{Timeout: 2 * cfg.Heartbeat.SendTimeout, Logger: log})
	stopSignals := coord.HandleSignals()
	defer stopSignals()

	tracer := telemetry.GetTracer()
	if cfg.Telemetry.Endpoint != "" || os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		tcfg := cfg.Telemetry
		tcfg.PeerID = key.ID.String()
		provider, err := telemetry.InitProvider(context.Background(), tcfg)
		if err != nil {
			return err
		}
		tracer = provider.Tracer()
		coord.Register("telemetry", shutdown.PhaseTransport, shutdown.Func(provider.Shutdown))
	}

	natsCfg := cfg.NATS
	if natsCfg.Name == "" {
		natsCfg.Name = cfg.Node.Name
	}
	natsCfg.Logger = log
	b, err := bus.NewNATSBus(natsCfg)
	if err != nil {
		return err
	}
	coord.Register("bus", shutdown.PhaseTransport, shutdown.Func(func(context.Context) error { return b.Close() }))

	var src discovery.Source
	if len(cfg.Etcd.Endpoints) > 0 {
		etcd, err := discovery.NewEtcd(cfg.Etcd, log)
		if err != nil {
			_ = b.Close()
			return err
		}
		src = etcd
		coord.Register("discovery", shutdown.PhaseTransport, shutdown.Func(func(context.Context) error { return etcd.Close() }))
	}

	reg := prometheus.NewRegistry()
	sink, err := metrics.NewPrometheus(reg)
	if err != nil {
		return err
	}

	scheme := threshold.NewShamir()
	n, err := node.New(node.Options{
		Key:             key,
		Sealer:          sealer,
		Scheme:          scheme,
		Attestor:        heartbeat.NewEd25519Attestor(key),
		Bus:             b,
		Discovery:       src,
		Heartbeat:       cfg.Heartbeat,
		Tick:            cfg.Node.Tick,
		FragmentTimeout: cfg.FragmentTimeout(),
		CommandBuffer:   cfg.Node.CommandBuffer,
		EventBuffer:     cfg.Node.EventBuffer,
		RateLimit:       cfg.RateLimit,
		Client:          clientName,
		Logger:          log,
		Metrics:         sink,
		Tracer:          tracer,
	})
	if err != nil {
		return err
	}
	rc, err := respawn.New(respawn.Config{
		Self:            key.ID,
		Commands:        n.Client(),
		Scheme:          scheme,
		OverRequest:     cfg.Respawn.OverRequest,
		Deadline:        cfg.RespawnDeadline(),
		RetrySameHolder: cfg.Respawn.RetrySameHolder,
		Logger:          log,
		Metrics:         sink,
		Tracer:          tracer,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := rc.Serve(ctx, n.Events()); err != nil && ctx.Err() == nil {
			log.Error("coordinator stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	coord.Register("node", shutdown.PhaseLoop, shutdown.Func(func(sctx context.Context) error {
		cancel()
		return waitClosed(sctx, n.Done(), served)
	}))

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: httpHandler(reg, n.Healthy, rc.Failures)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", map[string]interface{}{"error": err.Error()})
			}
		}()
		coord.Register("metrics", shutdown.PhaseIntake, shutdown.Func(srv.Shutdown))
	}

	lctx, lcancel := context.WithTimeout(ctx, cfg.Heartbeat.SendTimeout)
	err = n.Client().StartListening(lctx, cfg.Node.Listen)
	lcancel()
	if err != nil {
		_ = coord.Shutdown(context.Background())
		return err
	}

	if f.spawn != "" {
		go spawnAgent(ctx, rc, n.Client(), f, log)
	}

	<-coord.Done()
	if res := coord.Result(); res != nil && res.Err != nil {
		return res.Err
	}
	return nil
}

func loadConfig(f flags) (config.Config, error) {
	cfg := config.Default()
	if f.config != "" {
		var err error
		if cfg, err = config.Load(f.config); err != nil {
			return config.Config{}, err
		}
	}
	if f.nats != "" {
		cfg.NATS.URL = f.nats
	}
	if len(f.etcd) > 0 {
		cfg.Etcd.Endpoints = f.etcd
	}
	if f.metricsListen != "" {
		cfg.Metrics.Listen = f.metricsListen
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// loadIdentity resolves the signing key and age identity. --seed wins over
// the key file; without either the node gets fresh keys.
func loadIdentity(cfg config.Config, seed int64) (*identity.Keypair, *fragment.Sealer, error) {
	keys := &config.Keys{}
	if cfg.Node.KeyFile != "" {
		var err error
		if keys, err = config.LoadKeys(cfg.Node.KeyFile); err != nil {
			return nil, nil, err
		}
	}
	if seed >= 0 {
		s := uint64(seed)
		keys.Seed = &s
	}

	var key *identity.Keypair
	if keys.Seed != nil {
		key = identity.KeypairFromSeed(*keys.Seed)
	} else {
		var err error
		if key, err = identity.GenerateKeypair(); err != nil {
			return nil, nil, err
		}
	}

	if keys.AgeIdentity != "" {
		sealer, err := fragment.ParseSealer(keys.AgeIdentity)
		return key, sealer, err
	}
	sealer, err := fragment.NewSealer()
	return key, sealer, err
}

// healthReport is the /healthz body. Failures are migrations abandoned
// since the agent last moved successfully.
type healthReport struct {
	Status   string            `json:"status"`
	Failures []respawn.Failure `json:"failures,omitempty"`
}

func httpHandler(reg *prometheus.Registry, healthy func() bool, failures func() []respawn.Failure) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := healthReport{Status: "ok", Failures: failures()}
		code := http.StatusOK
		if !healthy() {
			report.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(report)
	})
	return mux
}

func waitClosed(ctx context.Context, chans ...<-chan struct{}) error {
	for _, ch := range chans {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// spawnAgent waits until enough peers have announced their recipients and
// then creates the agent here.
func spawnAgent(ctx context.Context, rc *respawn.Coordinator, c *node.Client, f flags, log *logging.Logger) {
	secret, err := os.ReadFile(f.secretFile)
	if err != nil {
		log.Error("spawn: read secret", map[string]interface{}{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(ctx, f.spawnWithin)
	defer cancel()

	// One peer becomes the next vessel and the rest hold fragments.
	need := f.total
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		s, err := c.State(ctx)
		if err == nil && readyPeers(s) >= need {
			break
		}
		select {
		case <-ctx.Done():
			log.Error("spawn: not enough peers", map[string]interface{}{"agent": f.spawn, "need": need})
			return
		case <-tick.C:
		}
	}

	info, err := rc.Spawn(ctx, respawn.SpawnRequest{
		Name:      f.spawn,
		Secret:    []byte(strings.TrimRight(string(secret), "\n")),
		Total:     f.total,
		Threshold: f.threshold,
	})
	if err != nil {
		log.Error("spawn failed", map[string]interface{}{"agent": f.spawn, "error": err.Error()})
		return
	}
	log.Info("agent spawned", map[string]interface{}{
		"agent": info.Agent.String(),
		"next":  info.NextVessel.Short(),
	})
}

// readyPeers counts peers a fragment can be sealed to.
func readyPeers(s peers.Snapshot) int {
	n := 0
	for _, p := range s.Peers {
		if p.Recipient != "" {
			n++
		}
	}
	return n
}
