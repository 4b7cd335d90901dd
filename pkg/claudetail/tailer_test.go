package claudetail

import (
	"context"
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
	"github.com/blueplane/telemetry-core/pkg/store"
)

const sessionFile = "3f2b38c1-0000-4111-8222-333344445555.jsonl"

type tailEnv struct {
	tailer  *Tailer
	queue   *msgqueue.Queue
	offsets *offsets.Store
	dir     string
}

func newTailEnv(t *testing.T) *tailEnv {
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

	dir := t.TempDir()
	tl := New(dir, q, off, metrics.NewRegistry(), time.Second, slog.Default())
	return &tailEnv{tailer: tl, queue: q, offsets: off, dir: dir}
}

func (e *tailEnv) transcriptPath(t *testing.T) string {
	t.Helper()
	projDir := filepath.Join(e.dir, "-home-dev-project")
	require.NoError(t, os.MkdirAll(projDir, 0o755))
	return filepath.Join(projDir, sessionFile)
}

func (e *tailEnv) drain(t *testing.T) []*models.Event {
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

func TestTailReadsNewTranscriptInOrder(t *testing.T) {
	env := newTailEnv(t)
	path := env.transcriptPath(t)
	require.NoError(t, os.WriteFile(path, []byte(
		`{"type":"user","uuid":"u1","sessionId":"s1","timestamp":"2026-08-26T10:00:00Z"}`+"\n"+
			`{"type":"assistant","uuid":"u2","sessionId":"s1","timestamp":"2026-08-26T10:00:01Z"}`+"\n"+
			`{"type":"tool_use","uuid":"u3","sessionId":"s1","timestamp":"2026-08-26T10:00:02Z"}`+"\n"),
		0o644))

	env.tailer.Poll(context.Background())

	events := env.drain(t)
	require.Len(t, events, 3)
	assert.Equal(t, "u1", events[0].EventID)
	assert.Equal(t, "assistant", events[1].EventType)
	assert.Equal(t, "u3", events[2].EventID)
	assert.Equal(t, models.PlatformClaudeCode, events[0].Platform)
	assert.Equal(t, "s1", events[0].ExternalSessionID)

	fs, err := env.offsets.GetFileState(context.Background(), path)
	require.NoError(t, err)
	require.NotNil(t, fs)
	assert.Equal(t, int64(3), fs.LineOffset)
}

func TestPartialTrailingLineDoesNotAdvance(t *testing.T) {
	env := newTailEnv(t)
	path := env.transcriptPath(t)
	require.NoError(t, os.WriteFile(path, []byte(
		`{"type":"user","uuid":"u1"}`+"\n"+
			`{"type":"assistant","uuid":"u2","text":"part`), 0o644))

	env.tailer.Poll(context.Background())
	require.Len(t, env.drain(t), 1)

	fs, err := env.offsets.GetFileState(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fs.LineOffset)
	partialStart := fs.ByteOffset

	// Complete the line; only the finished record is emitted, exactly once.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`ial"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	env.tailer.Poll(context.Background())
	events := env.drain(t)
	require.Len(t, events, 2)
	assert.Equal(t, "u2", events[1].EventID)

	fs, err = env.offsets.GetFileState(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fs.LineOffset)
	assert.Greater(t, fs.ByteOffset, partialStart)
}

func TestUnchangedFileIsSkipped(t *testing.T) {
	env := newTailEnv(t)
	path := env.transcriptPath(t)
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"user","uuid":"u1"}`+"\n"), 0o644))

	env.tailer.Poll(context.Background())
	env.tailer.Poll(context.Background())

	assert.Len(t, env.drain(t), 1, "second poll must not re-enqueue")
}

func TestTruncationResetsOffsets(t *testing.T) {
	env := newTailEnv(t)
	path := env.transcriptPath(t)
	require.NoError(t, os.WriteFile(path, []byte(
		`{"type":"user","uuid":"u1"}`+"\n"+
			`{"type":"assistant","uuid":"u2"}`+"\n"), 0o644))
	env.tailer.Poll(context.Background())

	// Rewrite the file smaller, as a fresh session reusing the name would.
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"user","uuid":"u9"}`+"\n"), 0o644))
	env.tailer.Poll(context.Background())

	events := env.drain(t)
	require.Len(t, events, 3)
	assert.Equal(t, "u9", events[2].EventID)

	fs, err := env.offsets.GetFileState(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fs.LineOffset)
}

func TestMalformedLineSkippedButAdvanced(t *testing.T) {
	env := newTailEnv(t)
	path := env.transcriptPath(t)
	require.NoError(t, os.WriteFile(path, []byte(
		`{"type":"user","uuid":"u1"}`+"\n"+
			`{not json at all`+"\n"+
			`{"type":"assistant","uuid":"u3"}`+"\n"), 0o644))

	env.tailer.Poll(context.Background())

	events := env.drain(t)
	require.Len(t, events, 2)
	assert.Equal(t, "u3", events[1].EventID)

	fs, err := env.offsets.GetFileState(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, int64(3), fs.LineOffset, "malformed line still advances the offset")
}

func TestSessionIDFallsBackToFileName(t *testing.T) {
	env := newTailEnv(t)
	path := env.transcriptPath(t)
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"summary","uuid":"u1"}`+"\n"), 0o644))

	env.tailer.Poll(context.Background())

	events := env.drain(t)
	require.Len(t, events, 1)
	assert.Equal(t, "3f2b38c1-0000-4111-8222-333344445555", events[0].ExternalSessionID)
}

func TestRepeatedScanFailuresTriggerCoolDown(t *testing.T) {
	env := newTailEnv(t)

	// A regular file where the projects directory should be makes every
	// enumeration fail with ENOTDIR.
	blocker := filepath.Join(t.TempDir(), "projects")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o644))
	env.tailer.root = filepath.Join(blocker, "sub")

	ctx := context.Background()
	env.tailer.Poll(ctx)
	env.tailer.Poll(ctx)
	assert.False(t, env.tailer.breaker.Open(), "two failed scans stay below the limit")

	env.tailer.Poll(ctx)
	assert.True(t, env.tailer.breaker.Open(), "third consecutive failure must start the cool-down")
}

func TestLinesWithoutUUIDGetStableIdentity(t *testing.T) {
	env := newTailEnv(t)
	path := env.transcriptPath(t)
	first := `{"type":"system","subtype":"init"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(first+`{"type":"user","uuid":"u1"}`+"\n"), 0o644))

	env.tailer.Poll(context.Background())
	events := env.drain(t)
	require.Len(t, events, 2)
	require.NotEmpty(t, events[0].EventID)

	// Truncating back to the first line forces a re-read; the replayed
	// line must carry the same event id so the store absorbs it.
	require.NoError(t, os.WriteFile(path, []byte(first), 0o644))
	env.tailer.Poll(context.Background())

	events = env.drain(t)
	require.Len(t, events, 3)
	assert.Equal(t, events[0].EventID, events[2].EventID)
}
