// Blueplane telemetry core captures developer activity from Cursor and
// Claude Code, queues it through Redis Streams, and persists it to the
// unified SQLite store.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/blueplane/telemetry-core/pkg/claudetail"
	"github.com/blueplane/telemetry-core/pkg/config"
	"github.com/blueplane/telemetry-core/pkg/consumer"
	"github.com/blueplane/telemetry-core/pkg/cursormon"
	"github.com/blueplane/telemetry-core/pkg/ingress"
	"github.com/blueplane/telemetry-core/pkg/maintenance"
	"github.com/blueplane/telemetry-core/pkg/metrics"
	"github.com/blueplane/telemetry-core/pkg/msgqueue"
	"github.com/blueplane/telemetry-core/pkg/offsets"
	"github.com/blueplane/telemetry-core/pkg/sessions"
	"github.com/blueplane/telemetry-core/pkg/store"
	"github.com/blueplane/telemetry-core/pkg/version"
)

// Exit codes: 1 = runtime failure (store, queue), 2 = configuration error.
const (
	exitRuntime = 1
	exitConfig  = 2
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// setupLogging routes slog to stderr and, once the data dir is known, to
// the processing log as well.
func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	out := io.Writer(os.Stderr)
	logPath := cfg.LogPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err == nil {
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			out = io.MultiWriter(os.Stderr, f)
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("BLUEPLANE_CONFIG_DIR", "."),
		"Path to configuration directory")
	cursorDir := flag.String("cursor-dir", "",
		"Cursor user data directory (default: per-platform location)")
	claudeDir := flag.String("claude-dir", "",
		"Claude projects directory (default: ~/.claude/projects)")
	flag.Parse()

	// Load .env from the config directory before reading overrides.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err == nil {
		slog.Info("Loaded environment", "path", envPath)
	}

	// 1. Configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(exitConfig)
	}
	setupLogging(cfg)

	slog.Info("Starting blueplane telemetry core",
		"version", version.Full(),
		"data_dir", cfg.DataDir,
		"http_port", cfg.HTTPPort)

	ctx := context.Background()
	reg := metrics.NewRegistry()

	// 2. Unified store
	client, err := store.Open(ctx, cfg.DatabasePath())
	if err != nil {
		slog.Error("Failed to open unified store", "path", cfg.DatabasePath(), "error", err)
		os.Exit(exitRuntime)
	}
	defer func() {
		if err := client.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()
	slog.Info("Unified store ready", "path", cfg.DatabasePath())

	// 3. Message queue. Redis being down at boot is not fatal: ingress
	// reports 503 and capture retries, so we only warn here.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr()})
	defer func() { _ = rdb.Close() }()
	queue := msgqueue.New(rdb, cfg.Queue)
	if err := queue.Ping(ctx); err != nil {
		slog.Warn("Redis unreachable at startup, continuing", "addr", cfg.Redis.Addr(), "error", err)
	}

	// 4. Offsets and session registry
	offsetStore := offsets.New(client)
	registry := sessions.NewRegistry(client, offsetStore, cfg.Monitor.StaleSessionAge, slog.Default())

	// 5. Fast-path consumer
	cons := consumer.New(queue, client, offsetStore, reg, cfg.Queue, slog.Default())
	if err := cons.Start(ctx); err != nil {
		slog.Error("Failed to start consumer", "error", err)
		os.Exit(exitRuntime)
	}
	defer cons.Stop()

	// 6. Capture-side monitors
	claudeRoot := *claudeDir
	if claudeRoot == "" {
		if home, err := os.UserHomeDir(); err == nil {
			claudeRoot = filepath.Join(home, ".claude", "projects")
		}
	}
	tailer := claudetail.New(claudeRoot, queue, offsetStore, reg,
		cfg.Monitor.ClaudePollInterval, slog.Default())
	tailer.Start(ctx)
	defer tailer.Stop()

	monitor := cursormon.New(*cursorDir, cfg.WorkspaceRoot, registry, client, queue,
		offsetStore, reg, cfg.Monitor.CursorPollInterval, slog.Default())
	monitor.Start(ctx)
	defer monitor.Stop()

	// 7. Maintenance jobs
	sched := maintenance.New(cfg, queue, registry, offsetStore, slog.Default())
	if err := sched.Start(); err != nil {
		slog.Error("Failed to start maintenance scheduler", "error", err)
		os.Exit(exitRuntime)
	}
	defer sched.Stop()

	// 8. HTTP ingress (non-blocking)
	httpServer := ingress.NewServer(cfg, queue, registry, client, offsetStore, reg, slog.Default())
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start("127.0.0.1:" + cfg.HTTPPort); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Blueplane telemetry core started")

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop producers first so the consumer can
	// drain, all within the configured budget.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Monitor.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		monitor.Stop()
		tailer.Stop()
		cons.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Workers stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded, unacked messages will be redelivered")
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
