package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blueplane/telemetry-core/pkg/models"
)

// InsertSession persists a newly registered Cursor session.
func (c *Client) InsertSession(ctx context.Context, s *models.CursorSession) error {
	meta, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling session metadata: %w", err)
	}
	if len(s.Metadata) == 0 {
		meta = []byte("{}")
	}
	return c.writer.Exec(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO cursor_sessions
				(id, external_session_id, workspace_hash, workspace_path,
				 started_at, last_seen, pid, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(external_session_id)
			DO UPDATE SET last_seen = excluded.last_seen`,
			s.ID, s.ExternalSessionID, s.WorkspaceHash, s.WorkspacePath,
			s.StartedAt.UTC().UnixMilli(), s.LastSeen.UTC().UnixMilli(),
			s.PID, string(meta),
		)
		return err
	})
}

// EndSession records a session's termination with its reason. A session
// already ended keeps its first ended_at.
func (c *Client) EndSession(ctx context.Context, externalSessionID, reason string, at time.Time) error {
	return c.writer.Exec(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			UPDATE cursor_sessions
			SET ended_at = ?, end_reason = ?
			WHERE external_session_id = ? AND ended_at IS NULL`,
			at.UTC().UnixMilli(), reason, externalSessionID,
		)
		return err
	})
}

// CloseActiveForWorkspace force-closes any still-active session on a
// workspace, preserving the invariant of at most one active session per
// workspace hash. Returns the external IDs closed.
func (c *Client) CloseActiveForWorkspace(ctx context.Context, workspaceHash, reason string, at time.Time) ([]string, error) {
	var closed []string
	err := c.writer.Exec(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			"SELECT external_session_id FROM cursor_sessions WHERE workspace_hash = ? AND ended_at IS NULL",
			workspaceHash)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			closed = append(closed, id)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		_, err = conn.ExecContext(ctx, `
			UPDATE cursor_sessions
			SET ended_at = ?, end_reason = ?
			WHERE workspace_hash = ? AND ended_at IS NULL`,
			at.UTC().UnixMilli(), reason, workspaceHash,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("closing active sessions for %s: %w", workspaceHash, err)
	}
	return closed, nil
}

// Heartbeat refreshes a session's liveness timestamp.
func (c *Client) Heartbeat(ctx context.Context, externalSessionID string, at time.Time) error {
	return c.writer.Exec(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			"UPDATE cursor_sessions SET last_seen = ? WHERE external_session_id = ?",
			at.UTC().UnixMilli(), externalSessionID,
		)
		return err
	})
}

// ActiveSessions returns all sessions with no ended_at, ordered by start.
func (c *Client) ActiveSessions(ctx context.Context) ([]*models.CursorSession, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, external_session_id, workspace_hash, workspace_path,
		       started_at, last_seen, pid, metadata
		FROM cursor_sessions
		WHERE ended_at IS NULL
		ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("querying active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.CursorSession
	for rows.Next() {
		var (
			s                 models.CursorSession
			startedMs, seenMs int64
			meta              string
		)
		if err := rows.Scan(&s.ID, &s.ExternalSessionID, &s.WorkspaceHash,
			&s.WorkspacePath, &startedMs, &seenMs, &s.PID, &meta); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		s.StartedAt = time.UnixMilli(startedMs).UTC()
		s.LastSeen = time.UnixMilli(seenMs).UTC()
		if meta != "" && meta != "{}" {
			_ = json.Unmarshal([]byte(meta), &s.Metadata)
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

// SessionByExternalID loads one session row regardless of state. An
// unknown external ID returns (nil, nil).
func (c *Client) SessionByExternalID(ctx context.Context, externalSessionID string) (*models.CursorSession, error) {
	var (
		s                 models.CursorSession
		startedMs, seenMs int64
		endedMs           sql.NullInt64
		reason            sql.NullString
		meta              string
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT id, external_session_id, workspace_hash, workspace_path,
		       started_at, ended_at, last_seen, pid, end_reason, metadata
		FROM cursor_sessions WHERE external_session_id = ?`,
		externalSessionID,
	).Scan(&s.ID, &s.ExternalSessionID, &s.WorkspaceHash, &s.WorkspacePath,
		&startedMs, &endedMs, &seenMs, &s.PID, &reason, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.StartedAt = time.UnixMilli(startedMs).UTC()
	s.LastSeen = time.UnixMilli(seenMs).UTC()
	if endedMs.Valid {
		ended := time.UnixMilli(endedMs.Int64).UTC()
		s.EndedAt = &ended
	}
	s.EndReason = reason.String
	if meta != "" && meta != "{}" {
		_ = json.Unmarshal([]byte(meta), &s.Metadata)
	}
	return &s, nil
}
