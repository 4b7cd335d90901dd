// Package offsets persists capture-side progress in the unified store:
// JSONL file read positions, Cursor monitor change-detection state, and
// the per-platform processing marks consumed by analytics. It is a thin
// layer over the store's single-writer path; a caller may treat an event
// as durably ingested only after the corresponding offset write returns.
package offsets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blueplane/telemetry-core/pkg/models"
	"github.com/blueplane/telemetry-core/pkg/store"
)

// Store provides offset and state persistence.
type Store struct {
	client *store.Client
}

// New wraps a store client.
func New(client *store.Client) *Store {
	return &Store{client: client}
}

// GetFileState loads the durable read position for one transcript file,
// or nil when the file has never been read.
func (s *Store) GetFileState(ctx context.Context, filePath string) (*models.FileState, error) {
	var (
		fs            models.FileState
		agentID       sql.NullString
		mtimeMs       int64
		readMs, updMs sql.NullInt64
	)
	err := s.client.DB().QueryRowContext(ctx, `
		SELECT file_path, session_id, agent_id, line_offset, byte_offset,
		       last_size, last_mtime, last_read_time, updated_at
		FROM claude_jsonl_offsets WHERE file_path = ?`, filePath,
	).Scan(&fs.FilePath, &fs.SessionID, &agentID, &fs.LineOffset, &fs.ByteOffset,
		&fs.Size, &mtimeMs, &readMs, &updMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading file state for %s: %w", filePath, err)
	}
	fs.AgentID = agentID.String
	fs.MTime = time.UnixMilli(mtimeMs).UTC()
	if readMs.Valid {
		fs.LastReadTime = time.UnixMilli(readMs.Int64).UTC()
	}
	if updMs.Valid {
		fs.UpdatedAt = time.UnixMilli(updMs.Int64).UTC()
	}
	return &fs, nil
}

// UpsertFileState atomically replaces the read position for one file.
func (s *Store) UpsertFileState(ctx context.Context, fs *models.FileState) error {
	return s.client.Writer().Exec(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO claude_jsonl_offsets
				(file_path, session_id, agent_id, line_offset, byte_offset,
				 last_size, last_mtime, last_read_time, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(file_path) DO UPDATE SET
				session_id = excluded.session_id,
				agent_id = excluded.agent_id,
				line_offset = excluded.line_offset,
				byte_offset = excluded.byte_offset,
				last_size = excluded.last_size,
				last_mtime = excluded.last_mtime,
				last_read_time = excluded.last_read_time,
				updated_at = excluded.updated_at`,
			fs.FilePath, fs.SessionID, nullIfEmpty(fs.AgentID),
			fs.LineOffset, fs.ByteOffset, fs.Size,
			fs.MTime.UTC().UnixMilli(), fs.LastReadTime.UTC().UnixMilli(),
			time.Now().UTC().UnixMilli(),
		)
		return err
	})
}

// DeleteForSession drops every offset row belonging to a session. Called
// when a Claude session ends so stale rows do not accumulate.
func (s *Store) DeleteForSession(ctx context.Context, sessionID string) error {
	return s.client.Writer().Exec(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			"DELETE FROM claude_jsonl_offsets WHERE session_id = ?", sessionID)
		return err
	})
}

// TrackedFilePaths lists every file with a stored offset, for orphan
// cleanup after transcripts are deleted.
func (s *Store) TrackedFilePaths(ctx context.Context) ([]string, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		"SELECT file_path FROM claude_jsonl_offsets")
	if err != nil {
		return nil, fmt.Errorf("listing tracked files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// DeleteFileState drops one offset row.
func (s *Store) DeleteFileState(ctx context.Context, filePath string) error {
	return s.client.Writer().Exec(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			"DELETE FROM claude_jsonl_offsets WHERE file_path = ?", filePath)
		return err
	})
}

// GetMonitorState loads Cursor change-detection state for one source key
// of one workspace, or a zero-valued state when none is recorded.
func (s *Store) GetMonitorState(ctx context.Context, workspaceHash, sourceKey string) (*models.MonitorState, error) {
	ms := &models.MonitorState{WorkspaceHash: workspaceHash, SourceKey: sourceKey}
	var lastHash sql.NullString
	err := s.client.DB().QueryRowContext(ctx, `
		SELECT last_seen_unix_ms, last_hash FROM cursor_monitor_state
		WHERE workspace_hash = ? AND source_key = ?`,
		workspaceHash, sourceKey,
	).Scan(&ms.LastSeenUnixMs, &lastHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ms, nil
		}
		return nil, fmt.Errorf("loading monitor state %s/%s: %w", workspaceHash, sourceKey, err)
	}
	ms.LastHash = lastHash.String
	return ms, nil
}

// UpsertMonitorState persists Cursor change-detection state.
func (s *Store) UpsertMonitorState(ctx context.Context, ms *models.MonitorState) error {
	return s.client.Writer().Exec(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO cursor_monitor_state
				(workspace_hash, source_key, last_seen_unix_ms, last_hash, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(workspace_hash, source_key) DO UPDATE SET
				last_seen_unix_ms = excluded.last_seen_unix_ms,
				last_hash = excluded.last_hash,
				updated_at = excluded.updated_at`,
			ms.WorkspaceHash, ms.SourceKey, ms.LastSeenUnixMs,
			nullIfEmpty(ms.LastHash), time.Now().UTC().UnixMilli(),
		)
		return err
	})
}

// GetLastSequence reads the analytics high-water mark for a platform.
func (s *Store) GetLastSequence(ctx context.Context, platform models.Platform) (int64, error) {
	var seq int64
	err := s.client.DB().QueryRowContext(ctx,
		"SELECT last_processed_sequence FROM analytics_processing_state WHERE platform = ?",
		string(platform)).Scan(&seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("loading processing state for %s: %w", platform, err)
	}
	return seq, nil
}

// SetLastSequence atomically advances the analytics high-water mark.
func (s *Store) SetLastSequence(ctx context.Context, platform models.Platform, seq int64) error {
	now := time.Now().UTC().UnixMilli()
	return s.client.Writer().Exec(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO analytics_processing_state
				(platform, last_processed_sequence, last_processed_timestamp, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(platform) DO UPDATE SET
				last_processed_sequence = excluded.last_processed_sequence,
				last_processed_timestamp = excluded.last_processed_timestamp,
				updated_at = excluded.updated_at`,
			string(platform), seq, now, now,
		)
		return err
	})
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
