package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// CursorSession is one Cursor IDE-window instance tracked by the registry.
// At most one session per workspace hash is active at any time.
type CursorSession struct {
	// ID is the internal UUID assigned when the session is registered.
	ID string `json:"id"`

	// ExternalSessionID is Cursor's own identifier (curs_<ts>_<rand>).
	ExternalSessionID string `json:"external_session_id"`

	WorkspaceHash string `json:"workspace_hash"`
	WorkspacePath string `json:"workspace_path"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	LastSeen  time.Time  `json:"last_seen"`

	// PID of the owning IDE process; used by the stale-PID sweep.
	PID int `json:"pid"`

	// EndReason records why EndedAt was set: "session_end", "stale_pid",
	// or "superseded" when a newer session claimed the same workspace.
	EndReason string `json:"end_reason,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Active reports whether the session has not been ended.
func (s *CursorSession) Active() bool {
	return s.EndedAt == nil
}

// Conversation groups events under one logical exchange.
//
// Integrity rule, enforced by a CHECK constraint in the unified store:
// Cursor conversations always belong to a session, Claude conversations
// never do.
type Conversation struct {
	ID         string     `json:"id"`
	SessionID  *string    `json:"session_id,omitempty"`
	ExternalID string     `json:"external_id"`
	Platform   Platform   `json:"platform"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// WorkspaceHash derives the privacy-preserving workspace identifier:
// the first 16 hex characters of the SHA-256 of the absolute path.
func WorkspaceHash(workspacePath string) string {
	sum := sha256.Sum256([]byte(workspacePath))
	return hex.EncodeToString(sum[:])[:16]
}
