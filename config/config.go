// Package config loads node configuration from TOML.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/reverie/bus"
	"github.com/vinayprograms/reverie/discovery"
	"github.com/vinayprograms/reverie/heartbeat"
	"github.com/vinayprograms/reverie/ratelimit"
	"github.com/vinayprograms/reverie/telemetry"
)

// Config is the complete node configuration.
type Config struct {
	Node      NodeConfig               `toml:"node"`
	Heartbeat heartbeat.Config         `toml:"heartbeat"`
	Respawn   RespawnConfig            `toml:"respawn"`
	RateLimit ratelimit.Config         `toml:"ratelimit"`
	NATS      bus.NATSConfig           `toml:"nats"`
	Etcd      discovery.EtcdConfig     `toml:"etcd"`
	Metrics   MetricsConfig            `toml:"metrics"`
	Telemetry telemetry.ProviderConfig `toml:"telemetry"`
	Log       LogConfig                `toml:"log"`
}

// NodeConfig identifies the local node.
type NodeConfig struct {
	Name string `toml:"name"`

	// Listen is the address announced through discovery.
	Listen string `toml:"listen"`

	// KeyFile holds the node's secret material; see LoadKeys.
	KeyFile string `toml:"key_file"`

	// Tick is the event loop's wake-up interval for heartbeat scheduling
	// and expiry checks.
	Tick time.Duration `toml:"tick"`

	CommandBuffer int `toml:"command_buffer"`
	EventBuffer   int `toml:"event_buffer"`
}

// RespawnConfig tunes vessel migration.
type RespawnConfig struct {
	// OverRequest is how many holders beyond the threshold are asked in
	// parallel.
	OverRequest int `toml:"over_request"`

	// Deadline bounds one migration attempt. Zero means twice the
	// heartbeat rotation time.
	Deadline time.Duration `toml:"deadline"`

	// FragmentTimeout bounds one fragment request. Zero means the
	// heartbeat rotation time.
	FragmentTimeout time.Duration `toml:"fragment_timeout"`

	// RetrySameHolder allows one retry against a holder that timed out.
	RetrySameHolder bool `toml:"retry_same_holder"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the /metrics address; empty disables it.
	Listen string `toml:"listen"`
}

// LogConfig configures the root logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Node: NodeConfig{
			Name:          "vessel",
			Listen:        "127.0.0.1:7400",
			Tick:          100 * time.Millisecond,
			CommandBuffer: 64,
			EventBuffer:   64,
		},
		Heartbeat: heartbeat.DefaultConfig(),
		Respawn: RespawnConfig{
			OverRequest:     1,
			RetrySameHolder: true,
		},
		RateLimit: ratelimit.Config{Capacity: 30, Window: time.Minute},
		NATS:      bus.DefaultNATSConfig(),
		Etcd:      discovery.EtcdConfig{},
		Log:       LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path over the defaults. Unknown keys are an error so that
// typos do not silently fall back to defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load for in-memory TOML.
func Parse(data string) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, err
	}
	if err := checkUndecoded(md); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func checkUndecoded(md toml.MetaData) error {
	keys := md.Undecoded()
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	sort.Strings(names)
	return fmt.Errorf("unknown keys: %s", strings.Join(names, ", "))
}

// Validate checks the values Load cannot default.
func (c Config) Validate() error {
	if c.Node.Name == "" {
		return fmt.Errorf("node.name is required")
	}
	if c.Node.Tick <= 0 {
		return fmt.Errorf("node.tick must be positive")
	}
	if err := c.Heartbeat.Validate(); err != nil {
		return fmt.Errorf("heartbeat: send_timeout and idle_timeout must be positive, max_failures and history_window at least 1")
	}
	if c.Respawn.OverRequest < 0 {
		return fmt.Errorf("respawn.over_request must not be negative")
	}
	if c.Respawn.Deadline < 0 || c.Respawn.FragmentTimeout < 0 {
		return fmt.Errorf("respawn timeouts must not be negative")
	}
	if c.RateLimit.Capacity < 0 {
		return fmt.Errorf("ratelimit.capacity must not be negative")
	}
	if c.RateLimit.Capacity > 0 && c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.window must be positive when capacity is set")
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// RespawnDeadline resolves Respawn.Deadline against the heartbeat policy.
func (c Config) RespawnDeadline() time.Duration {
	if c.Respawn.Deadline > 0 {
		return c.Respawn.Deadline
	}
	return 2 * c.Heartbeat.MaxTimeBeforeRotation()
}

// FragmentTimeout resolves Respawn.FragmentTimeout against the heartbeat
// policy.
func (c Config) FragmentTimeout() time.Duration {
	if c.Respawn.FragmentTimeout > 0 {
		return c.Respawn.FragmentTimeout
	}
	return c.Heartbeat.MaxTimeBeforeRotation()
}
