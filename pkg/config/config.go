// Package config loads and validates telemetry-core configuration from an
// optional blueplane.yaml, a .env file, and environment variable overrides.
package config

import (
	"path/filepath"
	"time"
)

// Config is the umbrella configuration object returned by Initialize()
// and handed to every component at wiring time.
type Config struct {
	// DataDir is the root of all on-disk state (~/.blueplane by default).
	// The unified store, WAL files, and processing log live here.
	DataDir string `yaml:"data_dir"`

	// WorkspaceRoot, when set, restricts the Cursor monitor to workspaces
	// under this path. Empty means all workspaces.
	WorkspaceRoot string `yaml:"workspace_root"`

	LogLevel string `yaml:"log_level"`
	HTTPPort string `yaml:"http_port"`

	Redis   *RedisConfig   `yaml:"redis"`
	Queue   *QueueConfig   `yaml:"queue"`
	Monitor *MonitorConfig `yaml:"monitor"`
}

// RedisConfig locates the stream broker.
type RedisConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
}

// Addr returns the host:port dial address.
func (r *RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// QueueConfig controls the message queue and the fast-path consumer.
type QueueConfig struct {
	// Group is the consumer-group name on the primary stream.
	Group string `yaml:"group"`

	// AppendTimeout bounds a producer-side XADD. Ingress is
	// fire-and-forget: on timeout the event is dropped and counted.
	AppendTimeout time.Duration `yaml:"append_timeout"`

	// ReadCount and BlockTimeout shape each XREADGROUP call.
	ReadCount    int           `yaml:"read_count"`
	BlockTimeout time.Duration `yaml:"block_timeout"`

	// BatchSize and BatchWindow bound how long the batcher holds a
	// message before attempting a store commit.
	BatchSize   int           `yaml:"batch_size"`
	BatchWindow time.Duration `yaml:"batch_window"`

	// MaxDeliveries is the redelivery budget before a message is moved
	// to the dead letter stream.
	MaxDeliveries int64 `yaml:"max_deliveries"`

	// MaxLen is the approximate per-stream retention bound.
	MaxLen int64 `yaml:"max_len"`

	// Backpressure thresholds: when store commit latency P95 exceeds
	// LatencyThreshold, ReadCount is halved; when it exceeds twice the
	// threshold, reads pause for PausePerCycle each cycle.
	LatencyThreshold time.Duration `yaml:"latency_threshold"`
	PausePerCycle    time.Duration `yaml:"pause_per_cycle"`
}

// MonitorConfig controls the capture-side pollers and the session sweep.
type MonitorConfig struct {
	// CursorPollInterval is the authoritative Cursor DB polling cadence.
	// File watchers only shorten latency; they never replace polling.
	CursorPollInterval time.Duration `yaml:"cursor_poll_interval"`

	// ClaudePollInterval is the JSONL tail cadence.
	ClaudePollInterval time.Duration `yaml:"claude_poll_interval"`

	// SweepInterval and StaleSessionAge drive the stale-PID session
	// sweep: a session whose process is gone and whose last_seen is
	// older than StaleSessionAge is force-closed.
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	StaleSessionAge time.Duration `yaml:"stale_session_age"`

	// ShutdownTimeout is the total budget for draining all workers.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabasePath returns the unified store location inside DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "telemetry.db")
}

// LogPath returns the processing log location inside DataDir.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "logs", "processing.log")
}
