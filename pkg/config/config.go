package config

import (
	"fmt"
	"os"
	"time"

	"github.com/openquant/tickerd/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config is the collector's YAML configuration
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Storage  StorageConfig  `yaml:"storage"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Session  SessionConfig  `yaml:"session"`
	Failover FailoverConfig `yaml:"failover"`
	Backfill BackfillConfig `yaml:"backfill"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	// Streaming names the provider the coordinator subscribes through
	Streaming StreamingConfig `yaml:"streaming"`

	Symbols []types.SymbolSubscription `yaml:"symbols"`
}

// LogConfig selects log level and format
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StorageConfig locates the durable sink
type StorageConfig struct {
	DataRoot string `yaml:"data_root"`
	Compress bool   `yaml:"compress"`
}

// PipelineConfig tunes the event pipeline
type PipelineConfig struct {
	Capacity        int    `yaml:"capacity"`
	BatchSize       int    `yaml:"batch_size"`
	BatchIntervalMs int    `yaml:"batch_interval_ms"`
	PeriodicFlushMs int    `yaml:"periodic_flush_ms"`
	Backpressure    string `yaml:"backpressure"`
}

// SessionConfig tunes the websocket sessions
type SessionConfig struct {
	Profile                 string        `yaml:"profile"` // default | resilient
	MaxRetries              int           `yaml:"max_retries"`
	RetryBaseDelay          time.Duration `yaml:"retry_base_delay"`
	MaxRetryDelay           time.Duration `yaml:"max_retry_delay"`
	CircuitFailureThreshold int           `yaml:"circuit_failure_threshold"`
	CircuitBreakDuration    time.Duration `yaml:"circuit_break_duration"`
	OperationTimeout        time.Duration `yaml:"operation_timeout"`
	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout        time.Duration `yaml:"heartbeat_timeout"`
	MaxReconnectAttempts    int           `yaml:"max_reconnect_attempts"`
}

// FailoverConfig holds the supervisor settings and rules
type FailoverConfig struct {
	Enable                     bool                 `yaml:"enable"`
	HealthCheckIntervalSeconds int                  `yaml:"health_check_interval_seconds"`
	Rules                      []types.FailoverRule `yaml:"rules"`
}

// BackfillConfig selects the default backfill provider
type BackfillConfig struct {
	Provider               string `yaml:"provider"`
	EnableFallback         bool   `yaml:"enable_fallback"`
	EnableSymbolResolution bool   `yaml:"enable_symbol_resolution"`
}

// MetricsConfig exposes the metrics/pprof endpoint
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// StreamingConfig names the live provider wiring
type StreamingConfig struct {
	Provider string `yaml:"provider"`
	FeedURL  string `yaml:"feed_url"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{DataRoot: "./data"},
		Pipeline: PipelineConfig{
			Capacity:        20000,
			BatchSize:       256,
			BatchIntervalMs: 200,
			PeriodicFlushMs: 1000,
			Backpressure:    "drop_oldest",
		},
		Session: SessionConfig{Profile: "default"},
		Failover: FailoverConfig{
			Enable:                     true,
			HealthCheckIntervalSeconds: 10,
		},
		Backfill: BackfillConfig{Provider: "stooq"},
		Metrics:  MetricsConfig{ListenAddr: ":9090"},
		Streaming: StreamingConfig{
			Provider: "alpaca",
		},
	}
}

// Load reads, overlays and validates a configuration file. An empty path
// yields the defaults; a path that cannot be read is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the collector cannot start with
func (c *Config) Validate() error {
	switch c.Pipeline.Backpressure {
	case "drop_oldest", "block":
	default:
		return fmt.Errorf("invalid backpressure policy: %q", c.Pipeline.Backpressure)
	}

	if c.Pipeline.Capacity < 0 || c.Pipeline.BatchSize < 0 {
		return fmt.Errorf("pipeline capacity and batch size must not be negative")
	}

	if c.Storage.DataRoot == "" {
		return fmt.Errorf("storage.data_root must be set")
	}

	switch c.Session.Profile {
	case "", "default", "resilient":
	default:
		return fmt.Errorf("invalid session profile: %q", c.Session.Profile)
	}

	seen := make(map[string]struct{}, len(c.Failover.Rules))
	for _, rule := range c.Failover.Rules {
		if rule.ID == "" || rule.PrimaryProviderID == "" {
			return fmt.Errorf("failover rule needs id and primary_provider_id")
		}
		if _, dup := seen[rule.ID]; dup {
			return fmt.Errorf("duplicate failover rule id: %s", rule.ID)
		}
		seen[rule.ID] = struct{}{}
	}

	for _, sub := range c.Symbols {
		if sub.SubscribeDepth && sub.DepthLevels < 0 {
			return fmt.Errorf("symbol %s: depth_levels must be non-negative", sub.Symbol)
		}
	}
	return nil
}
