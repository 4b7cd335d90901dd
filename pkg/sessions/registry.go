// Package sessions maintains the authoritative set of active Cursor
// sessions and their workspace mapping. Cursor is the only platform with
// explicit sessions; Claude Code transcripts carry their own session UUID
// and never pass through here.
package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blueplane/telemetry-core/pkg/models"
	"github.com/blueplane/telemetry-core/pkg/offsets"
	"github.com/blueplane/telemetry-core/pkg/store"
)

const (
	// EndReasonExplicit marks sessions closed by a session_end event.
	EndReasonExplicit = "session_end"
	// EndReasonSuperseded marks sessions closed because a newer session
	// started on the same workspace.
	EndReasonSuperseded = "superseded"
	// EndReasonStalePID marks sessions force-closed by the sweeper.
	EndReasonStalePID = "stale_pid"
)

// Registry tracks active Cursor sessions backed by the cursor_sessions
// table. All mutations go through one mutex so the "at most one active
// session per workspace" invariant cannot race between concurrent starts.
type Registry struct {
	client  *store.Client
	offsets *offsets.Store
	logger  *slog.Logger

	staleAge time.Duration

	mu sync.Mutex

	// pidAlive is swappable in tests.
	pidAlive func(pid int) bool
}

// NewRegistry creates a session registry. The offsets store is used to
// drop JSONL offset rows when their owning session ends.
func NewRegistry(client *store.Client, offsetStore *offsets.Store, staleAge time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		client:   client,
		offsets:  offsetStore,
		logger:   logger.With("component", "sessions"),
		staleAge: staleAge,
		pidAlive: processAlive,
	}
}

// Start registers a new session and returns its internal ID. If the
// workspace already has an active session, the older one is closed with
// reason "superseded" before the new row is inserted.
func (r *Registry) Start(ctx context.Context, externalSessionID, workspacePath string, pid int, metadata map[string]any) (string, error) {
	if externalSessionID == "" {
		return "", fmt.Errorf("session start: external session id is required")
	}
	if workspacePath == "" {
		return "", fmt.Errorf("session start: workspace path is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC().Truncate(time.Millisecond)
	hash := models.WorkspaceHash(workspacePath)

	closed, err := r.client.CloseActiveForWorkspace(ctx, hash, EndReasonSuperseded, now)
	if err != nil {
		return "", fmt.Errorf("closing superseded sessions: %w", err)
	}
	for _, old := range closed {
		r.logger.Info("Superseded active session",
			"workspace_hash", hash,
			"old_session", old,
			"new_session", externalSessionID)
	}

	s := &models.CursorSession{
		ID:                uuid.NewString(),
		ExternalSessionID: externalSessionID,
		WorkspaceHash:     hash,
		WorkspacePath:     workspacePath,
		StartedAt:         now,
		LastSeen:          now,
		PID:               pid,
		Metadata:          metadata,
	}
	if err := r.client.InsertSession(ctx, s); err != nil {
		return "", fmt.Errorf("inserting session: %w", err)
	}

	r.logger.Info("Session started",
		"external_session_id", externalSessionID,
		"workspace_hash", hash,
		"pid", pid)
	return s.ID, nil
}

// End closes a session and drops its JSONL offset rows. Ending an
// already-ended or unknown session is a no-op.
func (r *Registry) End(ctx context.Context, externalSessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.end(ctx, externalSessionID, EndReasonExplicit)
}

func (r *Registry) end(ctx context.Context, externalSessionID, reason string) error {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := r.client.EndSession(ctx, externalSessionID, reason, now); err != nil {
		return fmt.Errorf("ending session %s: %w", externalSessionID, err)
	}

	s, err := r.client.SessionByExternalID(ctx, externalSessionID)
	if err != nil {
		return fmt.Errorf("loading ended session %s: %w", externalSessionID, err)
	}
	if s == nil {
		// Unknown session: nothing to close, nothing to clean up.
		return nil
	}
	if r.offsets != nil {
		if err := r.offsets.DeleteForSession(ctx, s.ID); err != nil {
			r.logger.Warn("Failed to drop offsets for ended session",
				"session_id", s.ID, "error", err)
		}
	}

	r.logger.Info("Session ended", "external_session_id", externalSessionID, "reason", reason)
	return nil
}

// Heartbeat refreshes a session's last_seen. Unknown sessions are ignored.
func (r *Registry) Heartbeat(ctx context.Context, externalSessionID string) error {
	return r.client.Heartbeat(ctx, externalSessionID, time.Now().UTC().Truncate(time.Millisecond))
}

// Active returns every session with no ended_at, one per workspace. This
// is the poll set for the Cursor monitor.
func (r *Registry) Active(ctx context.Context) ([]*models.CursorSession, error) {
	return r.client.ActiveSessions(ctx)
}

// Resolve returns the session for an external ID, or nil if unknown.
func (r *Registry) Resolve(ctx context.Context, externalSessionID string) (*models.CursorSession, error) {
	return r.client.SessionByExternalID(ctx, externalSessionID)
}

// Sweep force-closes sessions whose owning process is gone and whose
// last_seen is older than the stale age. Both conditions must hold:
// a live editor with a quiet workspace keeps its session.
func (r *Registry) Sweep(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	active, err := r.client.ActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("listing active sessions: %w", err)
	}

	cutoff := time.Now().UTC().Add(-r.staleAge)
	for _, s := range active {
		if r.pidAlive(s.PID) || s.LastSeen.After(cutoff) {
			continue
		}
		if err := r.end(ctx, s.ExternalSessionID, EndReasonStalePID); err != nil {
			r.logger.Error("Stale session sweep failed",
				"external_session_id", s.ExternalSessionID, "error", err)
			continue
		}
		r.logger.Info("Closed stale session",
			"external_session_id", s.ExternalSessionID,
			"pid", s.PID,
			"last_seen", s.LastSeen)
	}
	return nil
}
