package cursormon

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/blueplane/telemetry-core/pkg/metrics"
	"github.com/blueplane/telemetry-core/pkg/models"
	"github.com/blueplane/telemetry-core/pkg/msgqueue"
	"github.com/blueplane/telemetry-core/pkg/offsets"
	"github.com/blueplane/telemetry-core/pkg/pacing"
	"github.com/blueplane/telemetry-core/pkg/sessions"
	"github.com/blueplane/telemetry-core/pkg/store"
)

const dedupCapacity = 4096

// Monitor polls Cursor's SQLite stores for every workspace with an
// active session. Workspaces fail independently: one corrupt or locked
// store never stops the others.
type Monitor struct {
	layout        layout
	workspaceRoot string
	registry      *sessions.Registry
	client        *store.Client
	queue         *msgqueue.Queue
	offsets       *offsets.Store
	metrics       *metrics.Registry
	logger        *slog.Logger
	interval      time.Duration
	breaker       *pacing.Breaker

	seen        *lruSet
	bubbleSets  map[string]map[string]struct{}
	historySeen map[string]map[string]struct{}
	driftLogged map[string]struct{}

	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a monitor against the default Cursor user data directory.
// userDir may be overridden (tests point it at a fixture tree); empty
// means probe the per-platform default. A non-empty workspaceRoot
// restricts monitoring to workspaces under that path.
func New(userDir, workspaceRoot string, registry *sessions.Registry, client *store.Client, queue *msgqueue.Queue, offsetStore *offsets.Store, reg *metrics.Registry, interval time.Duration, logger *slog.Logger) *Monitor {
	if userDir == "" {
		userDir = defaultUserDir()
	}
	return &Monitor{
		layout:        layout{userDir: userDir},
		workspaceRoot: workspaceRoot,
		registry:      registry,
		client:        client,
		queue:         queue,
		offsets:       offsetStore,
		metrics:       reg,
		logger:        logger.With("component", "cursormon"),
		interval:      interval,
		breaker:       pacing.NewBreaker(0, 0),
		seen:          newLRUSet(dedupCapacity),
		bubbleSets:    make(map[string]map[string]struct{}),
		historySeen:   make(map[string]map[string]struct{}),
		driftLogged:   make(map[string]struct{}),
		wakeCh:        make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
}

func (m *Monitor) Start(ctx context.Context) {
	if m.layout.userDir == "" {
		m.logger.Info("Cursor data directory not found, monitor idle")
		return
	}
	m.wg.Add(1)
	go m.run(ctx)
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	watcher := m.startWatcher()
	if watcher != nil {
		defer func() { _ = watcher.Close() }()
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Poll(ctx)
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.breaker.Open() {
				m.Poll(ctx)
			}
		case <-m.wakeCh:
			if !m.breaker.Open() {
				m.Poll(ctx)
			}
		}
	}
}

// startWatcher watches workspaceStorage for store rewrites. Cursor
// checkpoints WAL files on its own schedule, so this only shortens
// latency; polling remains authoritative.
func (m *Monitor) startWatcher() *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Debug("File watcher unavailable", "error", err)
		return nil
	}
	if err := watcher.Add(m.layout.workspaceStorageDir()); err != nil {
		m.logger.Debug("Cannot watch workspace storage", "error", err)
	}

	go func() {
		for {
			select {
			case <-m.stopCh:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					select {
					case m.wakeCh <- struct{}{}:
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

// Poll runs one monitoring cycle over every active session's workspace.
// Failing to list the active sessions counts as a failed cycle; repeated
// runs of those put the monitor into a cool-down. Per-workspace errors
// do not, since workspaces fail independently.
func (m *Monitor) Poll(ctx context.Context) {
	active, err := m.registry.Active(ctx)
	if err != nil {
		m.metrics.IncPollErrors(1)
		m.breaker.Failure()
		m.logger.Warn("Listing active sessions failed", "error", err)
		return
	}
	m.breaker.Success()
	if len(active) == 0 {
		return
	}

	var globalDB *sql.DB
	if db, err := openRO(m.layout.globalDBPath()); err == nil {
		globalDB = db
		defer func() { _ = globalDB.Close() }()
	}

	for _, sess := range active {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}
		if !m.inScope(sess.WorkspacePath) {
			continue
		}
		if err := m.pollWorkspace(ctx, sess, globalDB); err != nil {
			m.metrics.IncPollErrors(1)
			m.logger.Warn("Workspace poll failed",
				"workspace_hash", sess.WorkspaceHash,
				"workspace_path", sess.WorkspacePath,
				"error", err)
		}
	}
}

func (m *Monitor) pollWorkspace(ctx context.Context, sess *models.CursorSession, globalDB *sql.DB) error {
	dbPath, err := m.layout.findWorkspaceDB(sess.WorkspacePath)
	if err != nil {
		return err
	}
	if dbPath == "" {
		return nil
	}

	db, err := openRO(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := m.pollGenerations(ctx, sess, db); err != nil {
		return err
	}
	composerIDs, err := m.pollComposers(ctx, sess, db)
	if err != nil {
		return err
	}
	if globalDB != nil && len(composerIDs) > 0 {
		if err := m.pollBubbles(ctx, sess, globalDB, composerIDs); err != nil {
			return err
		}
	}
	if err := m.pollBackground(ctx, sess, db); err != nil {
		return err
	}
	return m.pollHistory(ctx, sess, db)
}

// inScope applies the optional workspace root restriction.
func (m *Monitor) inScope(workspacePath string) bool {
	if m.workspaceRoot == "" {
		return true
	}
	root := filepath.Clean(m.workspaceRoot)
	path := filepath.Clean(workspacePath)
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// emit stamps session context on an event and enqueues it.
func (m *Monitor) emit(ctx context.Context, sess *models.CursorSession, ev *models.Event) error {
	ev.Platform = models.PlatformCursor
	ev.ExternalSessionID = sess.ExternalSessionID
	ev.WorkspaceHash = sess.WorkspaceHash
	if err := m.queue.Publish(ctx, ev); err != nil {
		return err
	}
	m.metrics.IncEventsIn(1)
	return nil
}

// logDrift reports an unparsable source once per workspace/source pair
// so a schema change does not flood the log every cycle.
func (m *Monitor) logDrift(workspaceHash, sourceKey string, err error) {
	key := workspaceHash + "/" + sourceKey
	if _, done := m.driftLogged[key]; done {
		return
	}
	m.driftLogged[key] = struct{}{}
	m.logger.Warn("Unexpected source shape, treating as empty",
		"workspace_hash", workspaceHash,
		"source", sourceKey,
		"error", err)
}
