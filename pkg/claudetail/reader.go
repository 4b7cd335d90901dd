package claudetail

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blueplane/telemetry-core/pkg/models"
)

// maxLineBytes bounds a single transcript line. Claude tool results can
// embed large file contents, so this is generous.
const maxLineBytes = 8 * 1024 * 1024

// transcriptRecord is the subset of a JSONL line the tailer reads
// directly. The full line travels as the event payload.
type transcriptRecord struct {
	Type      string `json:"type"`
	UUID      string `json:"uuid"`
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	Timestamp string `json:"timestamp"`
}

// processFile reads newly appended complete lines and enqueues one event
// per line. The offset row is upserted only after every event is on the
// queue, so a crash re-reads rather than loses.
func (t *Tailer) processFile(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat: %w", err)
	}

	state, err := t.offsets.GetFileState(ctx, path)
	if err != nil {
		return fmt.Errorf("loading file state: %w", err)
	}
	if state == nil {
		state = &models.FileState{
			FilePath:  path,
			SessionID: sessionIDFromPath(path),
		}
	}

	mtime := info.ModTime().UTC().Truncate(time.Millisecond)
	if info.Size() < state.Size {
		t.logger.Info("Transcript truncated, restarting from the top",
			"file", path, "old_size", state.Size, "new_size", info.Size())
		state.LineOffset, state.ByteOffset = 0, 0
	} else if info.Size() == state.Size && mtime.Equal(state.MTime) {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer func() { _ = f.Close() }()

	if state.ByteOffset > 0 {
		if _, err := f.Seek(state.ByteOffset, io.SeekStart); err != nil {
			return fmt.Errorf("seek: %w", err)
		}
	}

	lines, consumed, err := readCompleteLines(f)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if len(lines) == 0 && consumed == 0 {
		// Only a partial trailing line so far; try again next cycle.
		return nil
	}

	events, agentID := t.parseLines(path, state, lines)
	for _, ev := range events {
		if err := t.queue.Publish(ctx, ev); err != nil {
			// State untouched: the whole batch replays next cycle.
			return fmt.Errorf("enqueueing line %d: %w", state.LineOffset, err)
		}
		t.metrics.IncEventsIn(1)
	}

	state.LineOffset += int64(len(lines))
	state.ByteOffset += consumed
	state.Size = info.Size()
	state.MTime = mtime
	state.LastReadTime = time.Now().UTC().Truncate(time.Millisecond)
	if agentID != "" {
		state.AgentID = agentID
	}
	if err := t.offsets.UpsertFileState(ctx, state); err != nil {
		return fmt.Errorf("persisting file state: %w", err)
	}

	t.logger.Debug("Transcript consumed",
		"file", filepath.Base(path),
		"lines", len(lines),
		"line_offset", state.LineOffset)
	return nil
}

// readCompleteLines returns every newline-terminated line from r and the
// byte count they span. A trailing fragment with no newline is not
// consumed and contributes nothing to the count.
func readCompleteLines(r io.Reader) ([][]byte, int64, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		lines    [][]byte
		consumed int64
	)
	for {
		line, err := br.ReadBytes('\n')
		if err == nil {
			consumed += int64(len(line))
			lines = append(lines, bytes.TrimRight(line, "\r\n"))
			if len(lines[len(lines)-1]) > maxLineBytes {
				return nil, 0, fmt.Errorf("line exceeds %d bytes", maxLineBytes)
			}
			continue
		}
		if err == io.EOF {
			return lines, consumed, nil
		}
		return nil, 0, err
	}
}

// parseLines turns complete lines into events. Malformed lines are
// skipped but still advance the offset; lines are line-addressed exactly
// so this is safe.
func (t *Tailer) parseLines(path string, state *models.FileState, lines [][]byte) ([]*models.Event, string) {
	events := make([]*models.Event, 0, len(lines))
	agentID := ""

	for i, raw := range lines {
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var rec transcriptRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			t.logger.Warn("Skipping malformed transcript line",
				"file", filepath.Base(path),
				"line", state.LineOffset+int64(i)+1,
				"error", err)
			continue
		}
		if rec.Type == "" {
			t.logger.Warn("Skipping transcript line without type",
				"file", filepath.Base(path),
				"line", state.LineOffset+int64(i)+1)
			continue
		}
		if rec.AgentID != "" {
			agentID = rec.AgentID
		}

		ev := &models.Event{
			EventID:           rec.UUID,
			Platform:          models.PlatformClaudeCode,
			EventType:         rec.Type,
			ExternalSessionID: rec.SessionID,
			Timestamp:         parseTimestamp(rec.Timestamp),
			Payload:           json.RawMessage(bytes.Clone(raw)),
		}
		if ev.EventID == "" {
			// Deterministic, so a truncation-triggered re-read collapses
			// on the store's event_id uniqueness instead of duplicating.
			line := state.LineOffset + int64(i) + 1
			name := fmt.Sprintf("claude:%s:%d:%s", path, line, raw)
			ev.EventID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
		}
		if ev.ExternalSessionID == "" {
			ev.ExternalSessionID = state.SessionID
		}
		events = append(events, ev)
	}
	return events, agentID
}

func parseTimestamp(s string) time.Time {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts
	}
	return time.Now()
}

// sessionIDFromPath derives the session UUID from the transcript file
// name, e.g. .../projects/-home-dev-proj/3f2b…5555.jsonl.
func sessionIDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".jsonl")
}
