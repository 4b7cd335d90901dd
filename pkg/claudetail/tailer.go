// Package claudetail ingests Claude Code's append-only JSONL transcripts.
// One file per session lives under the projects directory; the tailer
// tracks a durable per-file offset so restarts re-read at most the lines
// enqueued after the last committed state.
package claudetail

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/blueplane/telemetry-core/pkg/metrics"
	"github.com/blueplane/telemetry-core/pkg/msgqueue"
	"github.com/blueplane/telemetry-core/pkg/offsets"
	"github.com/blueplane/telemetry-core/pkg/pacing"
)

// Tailer polls the Claude projects directory for transcript growth. A
// directory watcher shortens latency when the OS supports it, but polling
// remains authoritative.
type Tailer struct {
	root     string
	queue    *msgqueue.Queue
	offsets  *offsets.Store
	metrics  *metrics.Registry
	logger   *slog.Logger
	interval time.Duration
	breaker  *pacing.Breaker

	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a tailer rooted at dir (normally ~/.claude/projects).
func New(dir string, queue *msgqueue.Queue, offsetStore *offsets.Store, reg *metrics.Registry, interval time.Duration, logger *slog.Logger) *Tailer {
	return &Tailer{
		root:     dir,
		queue:    queue,
		offsets:  offsetStore,
		metrics:  reg,
		logger:   logger.With("component", "claudetail"),
		interval: interval,
		breaker:  pacing.NewBreaker(0, 0),
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the poll loop. Stop blocks until the loop exits.
func (t *Tailer) Start(ctx context.Context) {
	t.wg.Add(1)
	go t.run(ctx)
}

func (t *Tailer) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

func (t *Tailer) run(ctx context.Context) {
	defer t.wg.Done()

	watcher := t.startWatcher()
	if watcher != nil {
		defer func() { _ = watcher.Close() }()
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.Poll(ctx)
	for {
		select {
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.breaker.Open() {
				t.Poll(ctx)
			}
		case <-t.wakeCh:
			if !t.breaker.Open() {
				t.Poll(ctx)
			}
		}
	}
}

// startWatcher registers the projects tree with fsnotify. Watch failures
// are logged and ignored; the ticker still covers every file.
func (t *Tailer) startWatcher() *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.logger.Warn("File watcher unavailable, falling back to polling only", "error", err)
		return nil
	}

	if err := watcher.Add(t.root); err != nil {
		t.logger.Debug("Cannot watch projects root", "dir", t.root, "error", err)
	}
	entries, _ := os.ReadDir(t.root)
	for _, e := range entries {
		if e.IsDir() {
			_ = watcher.Add(filepath.Join(t.root, e.Name()))
		}
	}

	go func() {
		for {
			select {
			case <-t.stopCh:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				// New project directories need their own watch.
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = watcher.Add(ev.Name)
					continue
				}
				if strings.HasSuffix(ev.Name, ".jsonl") {
					select {
					case t.wakeCh <- struct{}{}:
					default:
					}
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return watcher
}

// Poll runs one full scan of the projects directory. Failing to
// enumerate the tree at all counts as a failed cycle; repeated runs of
// those put the tailer into a cool-down. Per-file read errors do not,
// since one bad transcript must not starve the rest.
func (t *Tailer) Poll(ctx context.Context) {
	files, err := t.enumerate()
	if err != nil {
		t.metrics.IncPollErrors(1)
		t.breaker.Failure()
		t.logger.Warn("Transcript enumeration failed", "dir", t.root, "error", err)
		return
	}
	t.breaker.Success()

	for _, path := range files {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		default:
		}
		if err := t.processFile(ctx, path); err != nil {
			t.metrics.IncPollErrors(1)
			t.logger.Warn("Transcript read failed", "file", path, "error", err)
		}
	}
}

func (t *Tailer) enumerate() ([]string, error) {
	var files []string
	err := filepath.WalkDir(t.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".jsonl") {
			files = append(files, path)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return files, err
}
