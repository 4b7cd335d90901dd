package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables recognised as overrides. They win over both the
// built-in defaults and the YAML file.
const (
	EnvDataDir       = "BLUEPLANE_DATA_DIR"
	EnvRedisHost     = "REDIS_HOST"
	EnvRedisPort     = "REDIS_PORT"
	EnvLogLevel      = "LOG_LEVEL"
	EnvWorkspaceRoot = "WORKSPACE_ROOT"
	EnvHTTPPort      = "BLUEPLANE_HTTP_PORT"
)

// Initialize loads, merges, and validates configuration.
//
// Precedence, lowest to highest:
//  1. Built-in defaults
//  2. blueplane.yaml in configDir (optional, env-expanded)
//  3. Environment variables (a .env next to the YAML is loaded first)
func Initialize(configDir string) (*Config, error) {
	cfg := DefaultConfig()

	if configDir != "" {
		envPath := filepath.Join(configDir, ".env")
		if err := godotenv.Load(envPath); err == nil {
			slog.Info("Loaded environment file", "path", envPath)
		}

		yamlPath := filepath.Join(configDir, "blueplane.yaml")
		fileCfg, err := loadYAML(yamlPath)
		if err != nil {
			return nil, err
		}
		if fileCfg != nil {
			// File values override defaults; mergo fills only what the
			// file left unset.
			if err := mergo.Merge(fileCfg, cfg); err != nil {
				return nil, &Error{Err: fmt.Errorf("merging defaults: %w", err)}
			}
			cfg = fileCfg
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	slog.Info("Configuration initialized",
		"data_dir", cfg.DataDir,
		"redis_addr", cfg.Redis.Addr(),
		"http_port", cfg.HTTPPort)
	return cfg, nil
}

func loadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &Error{Err: fmt.Errorf("reading %s: %w", path, err)}
	}

	var cfg Config
	if err := yaml.Unmarshal(ExpandEnv(data), &cfg); err != nil {
		return nil, &Error{Err: fmt.Errorf("%w: %s: %v", ErrInvalidYAML, path, err)}
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvRedisHost); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv(EnvRedisPort); v != "" {
		cfg.Redis.Port = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvWorkspaceRoot); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv(EnvHTTPPort); v != "" {
		cfg.HTTPPort = v
	}
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return &Error{Field: "data_dir", Err: ErrInvalidValue}
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return &Error{Field: "log_level", Err: fmt.Errorf("%w: %q", ErrInvalidValue, cfg.LogLevel)}
	}
	if cfg.Redis == nil || cfg.Redis.Host == "" || cfg.Redis.Port == "" {
		return &Error{Field: "redis", Err: ErrInvalidValue}
	}
	q := cfg.Queue
	if q == nil {
		return &Error{Field: "queue", Err: ErrInvalidValue}
	}
	if q.ReadCount <= 0 || q.BatchSize <= 0 || q.MaxLen <= 0 {
		return &Error{Field: "queue", Err: fmt.Errorf("%w: counts must be positive", ErrInvalidValue)}
	}
	if q.MaxDeliveries < 1 {
		return &Error{Field: "queue.max_deliveries", Err: ErrInvalidValue}
	}
	if q.AppendTimeout <= 0 || q.AppendTimeout > 10*time.Second {
		return &Error{Field: "queue.append_timeout", Err: ErrInvalidValue}
	}
	m := cfg.Monitor
	if m == nil || m.CursorPollInterval <= 0 || m.ClaudePollInterval <= 0 {
		return &Error{Field: "monitor", Err: ErrInvalidValue}
	}
	return nil
}
