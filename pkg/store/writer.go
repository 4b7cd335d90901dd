package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// latencyWindowSize is how many recent commits feed the P95 estimate the
// consumer uses for backpressure.
const latencyWindowSize = 32

// Writer serialises all mutations of one database file through a single
// goroutine holding a dedicated connection. Batches run inside
// BEGIN IMMEDIATE so the write lock is taken up front rather than at the
// first write, which avoids SQLITE_BUSY upgrades mid-transaction.
type Writer struct {
	db   *sql.DB
	jobs chan writeJob

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu        sync.Mutex
	latencies []time.Duration
	latIdx    int
}

type writeJob struct {
	ctx  context.Context
	fn   func(ctx context.Context, conn *sql.Conn) error
	done chan error
}

func newWriter(db *sql.DB) *Writer {
	return &Writer{
		db:     db,
		jobs:   make(chan writeJob),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (w *Writer) start() {
	go w.run()
}

func (w *Writer) stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *Writer) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case job := <-w.jobs:
			job.done <- w.execute(job.ctx, job.fn)
		}
	}
}

// Exec runs fn inside a BEGIN IMMEDIATE transaction on the writer
// connection. Calls are serialised; fn must not retain the connection.
func (w *Writer) Exec(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	job := writeJob{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case w.jobs <- job:
	case <-w.stopCh:
		return fmt.Errorf("store writer stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) execute(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	start := time.Now()

	conn, err := w.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring writer connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(ctx, conn); err != nil {
		if _, rbErr := conn.ExecContext(ctx, "ROLLBACK"); rbErr != nil {
			slog.Error("Rollback failed", "error", rbErr)
		}
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		if _, rbErr := conn.ExecContext(ctx, "ROLLBACK"); rbErr != nil {
			slog.Error("Rollback after failed commit failed", "error", rbErr)
		}
		return fmt.Errorf("committing transaction: %w", err)
	}

	w.recordLatency(time.Since(start))
	return nil
}

func (w *Writer) recordLatency(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.latencies) < latencyWindowSize {
		w.latencies = append(w.latencies, d)
		return
	}
	w.latencies[w.latIdx] = d
	w.latIdx = (w.latIdx + 1) % latencyWindowSize
}

// LatencyP95 returns the 95th-percentile commit latency over the recent
// window. Zero when no commits have happened yet.
func (w *Writer) LatencyP95() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(w.latencies))
	copy(sorted, w.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}
