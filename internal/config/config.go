// Package config provides configuration loading and validation for the EGS
// gateway daemon.
//
// Configuration file: /etc/egs-gateway/config.yaml (default)
// Schema version: 1
//
// The file is read once at startup; the daemon does not reload it while
// running (there is no SIGHUP handling), so a change takes effect on restart.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (timeouts must be positive, retry counts
//     non-negative, attempt counts at least 1).
//   - transport.addr must parse as host:port.
//   - Invalid config on startup: daemon refuses to start (fatal error).
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for the EGS gateway.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this gateway instance in logs and the event ledger.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	// Transport configures the edge-bridge TCP connection.
	Transport TransportConfig `yaml:"transport"`

	// Pipeline configures the command pipeline's timing and retry behaviour.
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Assertion configures the periodic re-assertion loop.
	Assertion AssertionConfig `yaml:"assertion"`

	// Storage configures the BoltDB-backed lamp state store and event ledger.
	Storage StorageConfig `yaml:"storage"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// Control configures the downstream control socket.
	Control ControlConfig `yaml:"control"`
}

// TransportConfig holds edge-bridge connection parameters.
type TransportConfig struct {
	// Addr is the edge bridge's host:port. Default: 192.168.4.1:9000.
	Addr string `yaml:"addr"`

	// DialTimeout bounds a single connection attempt. Default: 3s.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// ReconnectBackoffMin is the initial reconnect backoff. Default: 50ms.
	ReconnectBackoffMin time.Duration `yaml:"reconnect_backoff_min"`

	// ReconnectBackoffMax caps the reconnect backoff. Default: 2s.
	ReconnectBackoffMax time.Duration `yaml:"reconnect_backoff_max"`
}

// PipelineConfig holds per-frame timing and retry parameters.
type PipelineConfig struct {
	// AckTimeout bounds the wait for a single 'K' byte. Default: 1200ms.
	AckTimeout time.Duration `yaml:"ack_timeout"`

	// MaxRetries is the number of retries after the first attempt.
	// Default: 2 (so up to 3 attempts total).
	MaxRetries int `yaml:"max_retries"`

	// RetryPause is the pause between attempts. Default: 100ms.
	RetryPause time.Duration `yaml:"retry_pause"`

	// InterFrameGap is the minimum gap enforced after each completed item.
	// Default: 25ms.
	InterFrameGap time.Duration `yaml:"inter_frame_gap"`

	// MinSendInterval is the rate-limit floor between attempted sends.
	// Default: 1000ms (≥1 cmd/s ceiling required by the downstream radio).
	MinSendInterval time.Duration `yaml:"min_send_interval"`

	// QueueDepth is the bounded work queue capacity. Default: 256.
	QueueDepth int `yaml:"queue_depth"`

	// RequestGuard bounds a single caller's overall wait for completion.
	// Default: 5s.
	RequestGuard time.Duration `yaml:"request_guard"`
}

// AssertionConfig holds periodic re-assertion parameters.
type AssertionConfig struct {
	// Tick is the loop's polling interval. Default: 2s.
	Tick time.Duration `yaml:"tick"`

	// Interval is the minimum time since the last successful assertion
	// before a new cycle is attempted. Default: 15s.
	Interval time.Duration `yaml:"interval"`

	// MaxAttempts bounds the number of re-assertion attempts per cycle.
	// Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// AttemptDelay is the pause between attempts. Default: 5s.
	AttemptDelay time.Duration `yaml:"attempt_delay"`
}

// StorageConfig holds BoltDB parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the BoltDB file.
	// Default: /var/lib/egs-gateway/egs.db.
	DBPath string `yaml:"db_path"`

	// EventRetentionDays bounds how long emergency_events rows are kept.
	// Default: 90.
	EventRetentionDays int `yaml:"event_retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// ControlConfig holds the downstream control socket parameters.
type ControlConfig struct {
	// SocketPath is the Unix domain socket path for the control interface.
	// Permissions: 0600. Default: /run/egs-gateway/control.sock.
	SocketPath string `yaml:"socket_path"`

	// MaxConns bounds concurrent control connections. Default: 4.
	MaxConns int `yaml:"max_conns"`

	// MaxRequestBytes bounds a single request's size. Default: 65536.
	MaxRequestBytes int `yaml:"max_request_bytes"`
}

// Defaults returns a Config populated with all default values, matching the
// timing constants the field protocol fixes.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Transport: TransportConfig{
			Addr:                "192.168.4.1:9000",
			DialTimeout:         3 * time.Second,
			ReconnectBackoffMin: 50 * time.Millisecond,
			ReconnectBackoffMax: 2 * time.Second,
		},
		Pipeline: PipelineConfig{
			AckTimeout:      1200 * time.Millisecond,
			MaxRetries:      2,
			RetryPause:      100 * time.Millisecond,
			InterFrameGap:   25 * time.Millisecond,
			MinSendInterval: time.Second,
			QueueDepth:      256,
			RequestGuard:    5 * time.Second,
		},
		Assertion: AssertionConfig{
			Tick:         2 * time.Second,
			Interval:     15 * time.Second,
			MaxAttempts:  3,
			AttemptDelay: 5 * time.Second,
		},
		Storage: StorageConfig{
			DBPath:             DefaultDBPath,
			EventRetentionDays: 90,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Control: ControlConfig{
			SocketPath:      "/run/egs-gateway/control.sock",
			MaxConns:        4,
			MaxRequestBytes: 65536,
		},
	}
}

// DefaultDBPath mirrors the storage package constant for use in config defaults.
const DefaultDBPath = "/var/lib/egs-gateway/egs.db"

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies EGS_-prefixed environment variable overrides on
// top of the file-loaded config, for container deployments where mounting a
// per-instance config file is awkward. Consulted after YAML load and before
// validation, so an invalid override is still caught by Validate.
func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString("EGS_NODE_ID", &cfg.NodeID)
	setString("EGS_TRANSPORT_ADDR", &cfg.Transport.Addr)
	setString("EGS_DB_PATH", &cfg.Storage.DBPath)
	setString("EGS_METRICS_ADDR", &cfg.Observability.MetricsAddr)
	setString("EGS_LOG_LEVEL", &cfg.Observability.LogLevel)
	setString("EGS_LOG_FORMAT", &cfg.Observability.LogFormat)
	setString("EGS_CONTROL_SOCKET", &cfg.Control.SocketPath)
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Transport.Addr == "" {
		errs = append(errs, "transport.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(cfg.Transport.Addr); err != nil {
		errs = append(errs, fmt.Sprintf("transport.addr must be host:port, got %q", cfg.Transport.Addr))
	}
	if cfg.Transport.DialTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("transport.dial_timeout must be > 0, got %s", cfg.Transport.DialTimeout))
	}
	if cfg.Transport.ReconnectBackoffMin <= 0 {
		errs = append(errs, fmt.Sprintf("transport.reconnect_backoff_min must be > 0, got %s", cfg.Transport.ReconnectBackoffMin))
	}
	if cfg.Transport.ReconnectBackoffMax < cfg.Transport.ReconnectBackoffMin {
		errs = append(errs, "transport.reconnect_backoff_max must be >= reconnect_backoff_min")
	}
	if cfg.Pipeline.AckTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("pipeline.ack_timeout must be > 0, got %s", cfg.Pipeline.AckTimeout))
	}
	if cfg.Pipeline.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("pipeline.max_retries must be >= 0, got %d", cfg.Pipeline.MaxRetries))
	}
	if cfg.Pipeline.InterFrameGap < 0 {
		errs = append(errs, "pipeline.inter_frame_gap must be >= 0")
	}
	if cfg.Pipeline.MinSendInterval < 0 {
		errs = append(errs, "pipeline.min_send_interval must be >= 0")
	}
	if cfg.Pipeline.QueueDepth < 1 {
		errs = append(errs, fmt.Sprintf("pipeline.queue_depth must be >= 1, got %d", cfg.Pipeline.QueueDepth))
	}
	if cfg.Pipeline.RequestGuard <= 0 {
		errs = append(errs, "pipeline.request_guard must be > 0")
	}
	if cfg.Assertion.Tick <= 0 {
		errs = append(errs, "assertion.tick must be > 0")
	}
	if cfg.Assertion.Interval < cfg.Assertion.Tick {
		errs = append(errs, "assertion.interval must be >= assertion.tick")
	}
	if cfg.Assertion.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("assertion.max_attempts must be >= 1, got %d", cfg.Assertion.MaxAttempts))
	}
	if cfg.Assertion.AttemptDelay < 0 {
		errs = append(errs, "assertion.attempt_delay must be >= 0")
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if cfg.Storage.EventRetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.event_retention_days must be >= 1, got %d", cfg.Storage.EventRetentionDays))
	}
	if cfg.Control.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("control.max_conns must be >= 1, got %d", cfg.Control.MaxConns))
	}
	if cfg.Control.MaxRequestBytes < 64 {
		errs = append(errs, fmt.Sprintf("control.max_request_bytes must be >= 64, got %d", cfg.Control.MaxRequestBytes))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
