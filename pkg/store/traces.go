package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/blueplane/telemetry-core/pkg/codec"
	"github.com/blueplane/telemetry-core/pkg/models"
)

// SequenceRange is the inclusive span of sequence numbers a batch commit
// produced for one platform. Published on the cdc stream for analytics.
type SequenceRange struct {
	First int64 `json:"first"`
	Last  int64 `json:"last"`
}

// BatchResult summarises one committed batch.
type BatchResult struct {
	Inserted   int
	Duplicates int
	Ranges     map[models.Platform]SequenceRange
}

// InsertBatch commits events in one BEGIN IMMEDIATE transaction through
// the single-writer path. Inserts are idempotent on event_id: a redelivered
// event counts as a duplicate and produces no new row. Projection
// extraction failures degrade to NULL columns; the row still commits.
func (c *Client) InsertBatch(ctx context.Context, events []*models.Event) (BatchResult, error) {
	result := BatchResult{Ranges: make(map[models.Platform]SequenceRange)}
	if len(events) == 0 {
		return result, nil
	}

	err := c.writer.Exec(ctx, func(ctx context.Context, conn *sql.Conn) error {
		for _, ev := range events {
			inserted, seq, err := insertTrace(ctx, conn, ev)
			if err != nil {
				return err
			}
			if !inserted {
				result.Duplicates++
				continue
			}
			result.Inserted++
			ev.Sequence = seq

			r, ok := result.Ranges[ev.Platform]
			if !ok {
				result.Ranges[ev.Platform] = SequenceRange{First: seq, Last: seq}
			} else {
				if seq < r.First {
					r.First = seq
				}
				if seq > r.Last {
					r.Last = seq
				}
				result.Ranges[ev.Platform] = r
			}

			if err := upsertConversation(ctx, conn, ev); err != nil {
				// Conversation grouping is best-effort; the trace row
				// is already durable.
				slog.Warn("Conversation upsert failed",
					"event_id", ev.EventID, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}
	return result, nil
}

func insertTrace(ctx context.Context, conn *sql.Conn, ev *models.Event) (bool, int64, error) {
	blob, err := codec.EncodeRow(ev)
	if err != nil {
		return false, 0, fmt.Errorf("encoding event %s: %w", ev.EventID, err)
	}

	switch ev.Platform {
	case models.PlatformCursor:
		return insertCursorTrace(ctx, conn, ev, blob)
	case models.PlatformClaudeCode:
		return insertClaudeTrace(ctx, conn, ev, blob)
	default:
		return false, 0, fmt.Errorf("unknown platform %q for event %s", ev.Platform, ev.EventID)
	}
}

func insertCursorTrace(ctx context.Context, conn *sql.Conn, ev *models.Event, blob []byte) (bool, int64, error) {
	proj, err := extractCursorProjection(ev.Payload)
	if err != nil {
		slog.Warn("Cursor projection extraction failed, storing NULLs",
			"event_id", ev.EventID, "error", err)
	}

	ts := ev.Timestamp.UTC()
	res, err := conn.ExecContext(ctx, `
		INSERT INTO cursor_raw_traces (
			event_id, external_session_id, workspace_hash, event_type,
			timestamp, event_date, event_hour,
			composer_id, bubble_id, generation_uuid,
			lines_added, lines_removed, token_count_up_until_here,
			relevant_files, capabilities_ran, capability_statuses, event_data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		ev.EventID, nullString(ev.ExternalSessionID), nullString(ev.WorkspaceHash),
		ev.EventType, ts.UnixMilli(), ts.Format("2006-01-02"), ts.Hour(),
		proj.ComposerID, proj.BubbleID, proj.GenerationUUID,
		proj.LinesAdded, proj.LinesRemoved, proj.TokenCountUpUntilHere,
		proj.RelevantFiles, proj.CapabilitiesRan, proj.CapabilityStatuses, blob,
	)
	if err != nil {
		return false, 0, fmt.Errorf("inserting cursor trace %s: %w", ev.EventID, err)
	}
	return sequenceOf(ctx, conn, res, "cursor_raw_traces", ev.EventID)
}

func insertClaudeTrace(ctx context.Context, conn *sql.Conn, ev *models.Event, blob []byte) (bool, int64, error) {
	proj, err := extractClaudeProjection(ev.Payload)
	if err != nil {
		slog.Warn("Claude projection extraction failed, storing NULLs",
			"event_id", ev.EventID, "error", err)
	}

	res, err := conn.ExecContext(ctx, `
		INSERT INTO claude_raw_traces (
			event_id, external_session_id, event_type, timestamp,
			uuid, parent_uuid, request_id, agent_id,
			message_role, message_model,
			input_tokens, output_tokens,
			cache_creation_input_tokens, cache_read_input_tokens, tokens_used,
			cwd, git_branch, user_type, event_data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		ev.EventID, nullString(ev.ExternalSessionID), ev.EventType,
		ev.Timestamp.UTC().UnixMilli(),
		proj.UUID, proj.ParentUUID, proj.RequestID, proj.AgentID,
		proj.MessageRole, proj.MessageModel,
		proj.InputTokens, proj.OutputTokens,
		proj.CacheCreate, proj.CacheRead, proj.TokensUsed,
		proj.CWD, proj.GitBranch, proj.UserType, blob,
	)
	if err != nil {
		return false, 0, fmt.Errorf("inserting claude trace %s: %w", ev.EventID, err)
	}
	return sequenceOf(ctx, conn, res, "claude_raw_traces", ev.EventID)
}

// sequenceOf resolves whether the insert created a row and, if so, its
// assigned sequence. ON CONFLICT DO NOTHING reports zero rows affected
// for duplicates.
func sequenceOf(ctx context.Context, conn *sql.Conn, res sql.Result, table, eventID string) (bool, int64, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("reading rows affected: %w", err)
	}
	if affected == 0 {
		return false, 0, nil
	}
	var seq int64
	// Parameterising the table name is not possible; both call sites use
	// compile-time constants.
	err = conn.QueryRowContext(ctx,
		"SELECT sequence FROM "+table+" WHERE event_id = ?", eventID).Scan(&seq)
	if err != nil {
		return false, 0, fmt.Errorf("reading sequence for %s: %w", eventID, err)
	}
	return true, seq, nil
}

// upsertConversation maintains the conversations table from committed
// traces: Cursor composers resolve to their owning session, Claude
// transcripts stand alone (schema CHECK enforces the asymmetry).
func upsertConversation(ctx context.Context, conn *sql.Conn, ev *models.Event) error {
	switch ev.Platform {
	case models.PlatformCursor:
		proj, err := extractCursorProjection(ev.Payload)
		if err != nil || proj.ComposerID == nil {
			return nil
		}
		var sessionID string
		err = conn.QueryRowContext(ctx,
			"SELECT id FROM cursor_sessions WHERE external_session_id = ?",
			ev.ExternalSessionID).Scan(&sessionID)
		if err != nil {
			// No registered session: skip rather than violate the
			// cursor-conversations-have-sessions constraint.
			return nil
		}
		_, err = conn.ExecContext(ctx, `
			INSERT INTO conversations (id, session_id, external_id, platform, started_at, message_count)
			VALUES (?, ?, ?, 'cursor', ?, 1)
			ON CONFLICT(external_id, platform)
			DO UPDATE SET message_count = message_count + 1`,
			uuid.NewString(), sessionID, *proj.ComposerID, ev.Timestamp.UTC().UnixMilli(),
		)
		return err

	case models.PlatformClaudeCode:
		if ev.ExternalSessionID == "" {
			return nil
		}
		_, err := conn.ExecContext(ctx, `
			INSERT INTO conversations (id, session_id, external_id, platform, started_at, message_count)
			VALUES (?, NULL, ?, 'claude_code', ?, 1)
			ON CONFLICT(external_id, platform)
			DO UPDATE SET message_count = message_count + 1`,
			uuid.NewString(), ev.ExternalSessionID, ev.Timestamp.UTC().UnixMilli(),
		)
		return err
	}
	return nil
}

// KnownBubbleIDs returns every bubble_id already persisted for a
// composer. The Cursor monitor rebuilds its per-composer dedup set from
// this after a restart.
func (c *Client) KnownBubbleIDs(ctx context.Context, composerID string) (map[string]struct{}, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT bubble_id FROM cursor_raw_traces WHERE composer_id = ? AND bubble_id IS NOT NULL",
		composerID)
	if err != nil {
		return nil, fmt.Errorf("listing bubble ids for composer %s: %w", composerID, err)
	}
	defer func() { _ = rows.Close() }()

	known := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		known[id] = struct{}{}
	}
	return known, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
