package config

import (
	"os"
	"path/filepath"
	"time"
)

// Stream names on the broker. The primary queue feeds the fast-path
// consumer; cdc carries commit notices for analytics; dlq is terminal.
const (
	StreamMessageQueue = "telemetry:message_queue"
	StreamCDC          = "telemetry:cdc"
	StreamDLQ          = "telemetry:dlq"
)

// DefaultConfig returns the built-in defaults. User YAML and environment
// overrides are merged on top of this.
func DefaultConfig() *Config {
	return &Config{
		DataDir:  defaultDataDir(),
		LogLevel: "info",
		HTTPPort: "8723",
		Redis: &RedisConfig{
			Host: "127.0.0.1",
			Port: "6379",
		},
		Queue: &QueueConfig{
			Group:            "processors",
			AppendTimeout:    1 * time.Second,
			ReadCount:        100,
			BlockTimeout:     1 * time.Second,
			BatchSize:        100,
			BatchWindow:      50 * time.Millisecond,
			MaxDeliveries:    3,
			MaxLen:           10000,
			LatencyThreshold: 50 * time.Millisecond,
			PausePerCycle:    500 * time.Millisecond,
		},
		Monitor: &MonitorConfig{
			CursorPollInterval: 30 * time.Second,
			ClaudePollInterval: 2 * time.Second,
			SweepInterval:      60 * time.Second,
			StaleSessionAge:    5 * time.Minute,
			ShutdownTimeout:    5 * time.Second,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Last resort: relative to the working directory.
		return ".blueplane"
	}
	return filepath.Join(home, ".blueplane")
}
