package offsets

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueplane/telemetry-core/pkg/models"
	"github.com/blueplane/telemetry-core/pkg/store"
)

func openTestOffsets(t *testing.T) *Store {
	t.Helper()
	c, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "telemetry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return New(c)
}

func TestFileStateRoundTrip(t *testing.T) {
	s := openTestOffsets(t)
	ctx := context.Background()

	got, err := s.GetFileState(ctx, "/home/dev/.claude/projects/p/session.jsonl")
	require.NoError(t, err)
	assert.Nil(t, got, "unknown file has no state")

	now := time.Now().UTC().Truncate(time.Millisecond)
	fs := &models.FileState{
		FilePath:     "/home/dev/.claude/projects/p/session.jsonl",
		SessionID:    "3f2b38c1-0000-4111-8222-333344445555",
		AgentID:      "agent-7",
		LineOffset:   42,
		ByteOffset:   9001,
		Size:         9100,
		MTime:        now,
		LastReadTime: now,
	}
	require.NoError(t, s.UpsertFileState(ctx, fs))

	got, err = s.GetFileState(ctx, fs.FilePath)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(42), got.LineOffset)
	assert.Equal(t, int64(9001), got.ByteOffset)
	assert.Equal(t, "agent-7", got.AgentID)
	assert.Equal(t, now, got.MTime)

	// Truncation reset rewrites offsets in place.
	fs.LineOffset, fs.ByteOffset = 0, 0
	require.NoError(t, s.UpsertFileState(ctx, fs))
	got, err = s.GetFileState(ctx, fs.FilePath)
	require.NoError(t, err)
	assert.Zero(t, got.ByteOffset)
}

func TestDeleteForSession(t *testing.T) {
	s := openTestOffsets(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, path := range []string{"/a/one.jsonl", "/a/two.jsonl"} {
		require.NoError(t, s.UpsertFileState(ctx, &models.FileState{
			FilePath:  path,
			SessionID: "sess-1",
			MTime:     now, LastReadTime: now,
		}))
	}
	require.NoError(t, s.DeleteForSession(ctx, "sess-1"))

	got, err := s.GetFileState(ctx, "/a/one.jsonl")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMonitorStateRoundTrip(t *testing.T) {
	s := openTestOffsets(t)
	ctx := context.Background()

	ms, err := s.GetMonitorState(ctx, "deadbeefdeadbeef", "generations")
	require.NoError(t, err)
	assert.Zero(t, ms.LastSeenUnixMs, "unknown source starts from zero")

	require.NoError(t, s.UpsertMonitorState(ctx, &models.MonitorState{
		WorkspaceHash:  "deadbeefdeadbeef",
		SourceKey:      "generations",
		LastSeenUnixMs: 1700000000000,
		LastHash:       "abc123",
	}))

	ms, err = s.GetMonitorState(ctx, "deadbeefdeadbeef", "generations")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), ms.LastSeenUnixMs)
	assert.Equal(t, "abc123", ms.LastHash)

	// Same source key under another workspace is independent state.
	other, err := s.GetMonitorState(ctx, "0123456789abcdef", "generations")
	require.NoError(t, err)
	assert.Zero(t, other.LastSeenUnixMs)
}

func TestProcessingSequence(t *testing.T) {
	s := openTestOffsets(t)
	ctx := context.Background()

	seq, err := s.GetLastSequence(ctx, models.PlatformCursor)
	require.NoError(t, err)
	assert.Zero(t, seq)

	require.NoError(t, s.SetLastSequence(ctx, models.PlatformCursor, 77))
	seq, err = s.GetLastSequence(ctx, models.PlatformCursor)
	require.NoError(t, err)
	assert.Equal(t, int64(77), seq)
}
