// Package maintenance runs the recurring housekeeping jobs: stream
// trimming, the stale-session sweep, and orphaned-offset cleanup.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/blueplane/telemetry-core/pkg/config"
	"github.com/blueplane/telemetry-core/pkg/msgqueue"
	"github.com/blueplane/telemetry-core/pkg/offsets"
	"github.com/blueplane/telemetry-core/pkg/sessions"
)

// jobTimeout bounds any single maintenance job.
const jobTimeout = 30 * time.Second

// Scheduler owns the cron runner and its jobs.
type Scheduler struct {
	cron     *cron.Cron
	cfg      *config.Config
	queue    *msgqueue.Queue
	registry *sessions.Registry
	offsets  *offsets.Store
	logger   *slog.Logger
}

func New(cfg *config.Config, queue *msgqueue.Queue, registry *sessions.Registry, offsetStore *offsets.Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		cfg:      cfg,
		queue:    queue,
		registry: registry,
		offsets:  offsetStore,
		logger:   logger.With("component", "maintenance"),
	}
}

// Start registers and launches all jobs.
func (s *Scheduler) Start() error {
	jobs := []struct {
		spec string
		name string
		run  func(ctx context.Context) error
	}{
		{"@every 1m", "stream_trim", s.trimStreams},
		{fmt.Sprintf("@every %s", s.cfg.Monitor.SweepInterval), "session_sweep", s.registry.Sweep},
		{"@every 1h", "offset_cleanup", s.cleanOrphanedOffsets},
	}

	for _, job := range jobs {
		job := job
		_, err := s.cron.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			if err := job.run(ctx); err != nil {
				s.logger.Warn("Maintenance job failed", "job", job.name, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("scheduling %s: %w", job.name, err)
		}
	}

	s.cron.Start()
	s.logger.Info("Maintenance scheduler started", "jobs", len(jobs))
	return nil
}

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// trimStreams enforces the approximate retention bound on every stream.
func (s *Scheduler) trimStreams(ctx context.Context) error {
	for _, stream := range []string{config.StreamMessageQueue, config.StreamCDC, config.StreamDLQ} {
		if err := s.queue.Trim(ctx, stream, s.cfg.Queue.MaxLen); err != nil {
			return fmt.Errorf("trimming %s: %w", stream, err)
		}
	}
	return nil
}

// cleanOrphanedOffsets drops offset rows whose transcript file no longer
// exists on disk.
func (s *Scheduler) cleanOrphanedOffsets(ctx context.Context) error {
	paths, err := s.offsets.TrackedFilePaths(ctx)
	if err != nil {
		return err
	}
	removed := 0
	for _, path := range paths {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			continue
		}
		if err := s.offsets.DeleteFileState(ctx, path); err != nil {
			return fmt.Errorf("dropping offsets for %s: %w", path, err)
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("Dropped orphaned offset rows", "count", removed)
	}
	return nil
}
