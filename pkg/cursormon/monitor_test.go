package cursormon

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueplane/telemetry-core/pkg/codec"
	"github.com/blueplane/telemetry-core/pkg/config"
	"github.com/blueplane/telemetry-core/pkg/metrics"
	"github.com/blueplane/telemetry-core/pkg/models"
	"github.com/blueplane/telemetry-core/pkg/msgqueue"
	"github.com/blueplane/telemetry-core/pkg/offsets"
	"github.com/blueplane/telemetry-core/pkg/sessions"
	"github.com/blueplane/telemetry-core/pkg/store"
)

// cursorFixture fabricates a Cursor user data tree with writable
// workspace and global stores.
type cursorFixture struct {
	userDir string
	next    int
}

func newCursorFixture(t *testing.T) *cursorFixture {
	t.Helper()
	f := &cursorFixture{userDir: t.TempDir()}
	require.NoError(t, os.MkdirAll(filepath.Join(f.userDir, "globalStorage"), 0o755))
	f.execGlobal(t, "CREATE TABLE cursorDiskKV (key TEXT PRIMARY KEY, value BLOB)")
	return f
}

func (f *cursorFixture) addWorkspace(t *testing.T, workspacePath string) string {
	t.Helper()
	f.next++
	dir := filepath.Join(f.userDir, "workspaceStorage", fmt.Sprintf("ws%04d", f.next))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	marker, _ := json.Marshal(map[string]string{"folder": "file://" + workspacePath})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workspace.json"), marker, 0o644))

	dbPath := filepath.Join(dir, "state.vscdb")
	f.exec(t, dbPath, "CREATE TABLE ItemTable (key TEXT PRIMARY KEY, value BLOB)")
	return dbPath
}

func (f *cursorFixture) exec(t *testing.T, dbPath, stmt string, args ...any) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+dbPath)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	_, err = db.Exec(stmt, args...)
	require.NoError(t, err)
}

func (f *cursorFixture) execGlobal(t *testing.T, stmt string, args ...any) {
	f.exec(t, filepath.Join(f.userDir, "globalStorage", "state.vscdb"), stmt, args...)
}

func (f *cursorFixture) setItem(t *testing.T, dbPath, key string, value any) {
	t.Helper()
	raw, err := json.Marshal(value)
	require.NoError(t, err)
	f.exec(t, dbPath, "INSERT OR REPLACE INTO ItemTable (key, value) VALUES (?, ?)", key, raw)
}

func (f *cursorFixture) setKV(t *testing.T, key string, value any) {
	t.Helper()
	raw, err := json.Marshal(value)
	require.NoError(t, err)
	f.execGlobal(t, "INSERT OR REPLACE INTO cursorDiskKV (key, value) VALUES (?, ?)", key, raw)
}

type monEnv struct {
	monitor *Monitor
	queue   *msgqueue.Queue
	fixture *cursorFixture
}

func newMonEnv(t *testing.T) *monEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := config.DefaultConfig()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := msgqueue.New(rdb, cfg.Queue)

	c, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "telemetry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	off := offsets.New(c)
	reg := sessions.NewRegistry(c, off, 5*time.Minute, slog.Default())

	fixture := newCursorFixture(t)
	m := New(fixture.userDir, "", reg, c, q, off, metrics.NewRegistry(), time.Minute, slog.Default())

	return &monEnv{monitor: m, queue: q, fixture: fixture}
}

func (e *monEnv) startSession(t *testing.T, workspacePath string) string {
	t.Helper()
	_, err := e.monitor.registry.Start(context.Background(),
		"curs_"+models.WorkspaceHash(workspacePath), workspacePath, os.Getpid(), nil)
	require.NoError(t, err)
	return e.fixture.addWorkspace(t, workspacePath)
}

func (e *monEnv) drain(t *testing.T) []*models.Event {
	t.Helper()
	msgs, err := e.queue.Range(context.Background(), config.StreamMessageQueue)
	require.NoError(t, err)
	events := make([]*models.Event, 0, len(msgs))
	for _, m := range msgs {
		ev, err := codec.DecodeWire(m.Values)
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func eventsOfType(events []*models.Event, eventType string) []*models.Event {
	var out []*models.Event
	for _, ev := range events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func TestGenerationsEmittedOnceAndWatermarkAdvances(t *testing.T) {
	env := newMonEnv(t)
	dbPath := env.startSession(t, "/home/dev/alpha")
	ctx := context.Background()

	env.fixture.setItem(t, dbPath, "aiService.generations", []map[string]any{
		{"generationUUID": "g1", "unixMs": 1000, "type": "composer", "textDescription": "first"},
		{"generationUUID": "g2", "unixMs": 2000, "type": "composer", "textDescription": "second"},
	})

	env.monitor.Poll(ctx)
	env.monitor.Poll(ctx)

	gens := eventsOfType(env.drain(t), models.EventTypeGeneration)
	require.Len(t, gens, 2, "repeated polls must not re-emit")
	assert.Equal(t, int64(1000), gens[0].Timestamp.UnixMilli())

	// A new element behind the watermark is ignored; ahead is emitted.
	env.fixture.setItem(t, dbPath, "aiService.generations", []map[string]any{
		{"generationUUID": "g0", "unixMs": 500},
		{"generationUUID": "g3", "unixMs": 3000},
	})
	env.monitor.Poll(ctx)

	gens = eventsOfType(env.drain(t), models.EventTypeGeneration)
	require.Len(t, gens, 3)
	assert.Equal(t, int64(3000), gens[2].Timestamp.UnixMilli())
}

func TestComposerLifecycleEvents(t *testing.T) {
	env := newMonEnv(t)
	dbPath := env.startSession(t, "/home/dev/alpha")
	ctx := context.Background()

	env.fixture.setItem(t, dbPath, "composer.composerData", map[string]any{
		"allComposers": []map[string]any{
			{"composerId": "c1", "isArchived": false, "linesAdded": 0, "linesRemoved": 0},
		},
	})
	env.monitor.Poll(ctx)

	events := eventsOfType(env.drain(t), models.EventTypeComposerCreated)
	require.Len(t, events, 1)

	env.fixture.setItem(t, dbPath, "composer.composerData", map[string]any{
		"allComposers": []map[string]any{
			{"composerId": "c1", "isArchived": false, "linesAdded": 10, "linesRemoved": 2},
		},
	})
	env.monitor.Poll(ctx)
	require.Len(t, eventsOfType(env.drain(t), models.EventTypeComposerUpdated), 1)

	env.fixture.setItem(t, dbPath, "composer.composerData", map[string]any{
		"allComposers": []map[string]any{
			{"composerId": "c1", "isArchived": true, "linesAdded": 10, "linesRemoved": 2},
		},
	})
	env.monitor.Poll(ctx)
	require.Len(t, eventsOfType(env.drain(t), models.EventTypeComposerArchived), 1)
}

func TestNewBubblesEmittedInOrder(t *testing.T) {
	env := newMonEnv(t)
	dbPath := env.startSession(t, "/home/dev/alpha")
	ctx := context.Background()

	env.fixture.setItem(t, dbPath, "composer.composerData", map[string]any{
		"allComposers": []map[string]any{{"composerId": "c1"}},
	})
	env.fixture.setKV(t, "composerData:c1", map[string]any{
		"conversation": []map[string]any{
			{"bubbleId": "b1", "type": 1, "text": "question"},
			{"bubbleId": "b2", "type": 2, "text": "answer"},
		},
	})
	env.monitor.Poll(ctx)

	bubbles := eventsOfType(env.drain(t), models.EventTypeBubble)
	require.Len(t, bubbles, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal(bubbles[0].Payload, &first))
	assert.Equal(t, "b1", first["bubbleId"])
	assert.Equal(t, "c1", first["composerId"], "payload carries the owning composer")

	// Growing the conversation emits only the new bubble.
	env.fixture.setKV(t, "composerData:c1", map[string]any{
		"conversation": []map[string]any{
			{"bubbleId": "b1", "type": 1, "text": "question"},
			{"bubbleId": "b2", "type": 2, "text": "answer"},
			{"bubbleId": "b3", "type": 1, "text": "follow-up"},
		},
	})
	env.monitor.Poll(ctx)

	bubbles = eventsOfType(env.drain(t), models.EventTypeBubble)
	require.Len(t, bubbles, 3)
	var third map[string]any
	require.NoError(t, json.Unmarshal(bubbles[2].Payload, &third))
	assert.Equal(t, "b3", third["bubbleId"])
}

func TestHistoryBaselineThenAdditions(t *testing.T) {
	env := newMonEnv(t)
	dbPath := env.startSession(t, "/home/dev/alpha")
	ctx := context.Background()

	env.fixture.setItem(t, dbPath, "history.entries", []map[string]any{
		{"editor": map[string]string{"resource": "file:///home/dev/alpha/main.go"}},
	})
	env.monitor.Poll(ctx)
	assert.Empty(t, eventsOfType(env.drain(t), models.EventTypeFileOpened),
		"first observation is a baseline")

	env.fixture.setItem(t, dbPath, "history.entries", []map[string]any{
		{"editor": map[string]string{"resource": "file:///home/dev/alpha/main.go"}},
		{"editor": map[string]string{"resource": "file:///home/dev/alpha/util.go"}},
	})
	env.monitor.Poll(ctx)

	opened := eventsOfType(env.drain(t), models.EventTypeFileOpened)
	require.Len(t, opened, 1)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(opened[0].Payload, &payload))
	assert.Equal(t, "file:///home/dev/alpha/util.go", payload["resource"])
}

func TestCorruptWorkspaceDoesNotStopOthers(t *testing.T) {
	env := newMonEnv(t)
	ctx := context.Background()

	badDB := env.startSession(t, "/home/dev/bad")
	goodDB := env.startSession(t, "/home/dev/good")

	require.NoError(t, os.WriteFile(badDB, []byte("this is not a sqlite file"), 0o644))
	env.fixture.setItem(t, goodDB, "aiService.generations", []map[string]any{
		{"generationUUID": "g1", "unixMs": 1000},
	})

	env.monitor.Poll(ctx)

	gens := eventsOfType(env.drain(t), models.EventTypeGeneration)
	require.Len(t, gens, 1)
	assert.Equal(t, models.WorkspaceHash("/home/dev/good"), gens[0].WorkspaceHash)
}

func TestWorkspaceRootRestriction(t *testing.T) {
	env := newMonEnv(t)
	env.monitor.workspaceRoot = "/home/dev/team"
	ctx := context.Background()

	inDB := env.startSession(t, "/home/dev/team/svc")
	outDB := env.startSession(t, "/home/dev/personal")

	gen := []map[string]any{{"generationUUID": "g1", "unixMs": 1000}}
	env.fixture.setItem(t, inDB, "aiService.generations", gen)
	env.fixture.setItem(t, outDB, "aiService.generations", gen)

	env.monitor.Poll(ctx)

	gens := eventsOfType(env.drain(t), models.EventTypeGeneration)
	require.Len(t, gens, 1)
	assert.Equal(t, models.WorkspaceHash("/home/dev/team/svc"), gens[0].WorkspaceHash)
}

func TestMissingKeysAreNotFatal(t *testing.T) {
	env := newMonEnv(t)
	env.startSession(t, "/home/dev/alpha")

	env.monitor.Poll(context.Background())
	assert.Empty(t, env.drain(t))
}

func TestRepeatedSessionListFailuresTriggerCoolDown(t *testing.T) {
	env := newMonEnv(t)
	env.startSession(t, "/home/dev/projA")

	// Closing the store makes listing active sessions fail every cycle.
	require.NoError(t, env.monitor.client.Close())

	ctx := context.Background()
	env.monitor.Poll(ctx)
	env.monitor.Poll(ctx)
	assert.False(t, env.monitor.breaker.Open(), "two failed cycles stay below the limit")

	env.monitor.Poll(ctx)
	assert.True(t, env.monitor.breaker.Open(), "third consecutive failure must start the cool-down")
}
