// Package models defines the canonical telemetry types shared by the
// capture, queueing, and storage layers.
package models

import (
	"encoding/json"
	"time"
)

// Platform identifies the AI coding assistant an event originated from.
type Platform string

// Supported platforms.
const (
	PlatformCursor     Platform = "cursor"
	PlatformClaudeCode Platform = "claude_code"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	return p == PlatformCursor || p == PlatformClaudeCode
}

// Event types produced by the capture paths. The set is open: unknown types
// from newer assistant versions are stored verbatim, never rejected.
const (
	EventTypeUser             = "user"
	EventTypeAssistant        = "assistant"
	EventTypeToolUse          = "tool_use"
	EventTypeToolResult       = "tool_result"
	EventTypeQueueOperation   = "queue-operation"
	EventTypeSystem           = "system"
	EventTypeSummary          = "summary"
	EventTypeGeneration       = "generation"
	EventTypeBubble           = "bubble"
	EventTypeComposerCreated  = "composer_created"
	EventTypeComposerUpdated  = "composer_updated"
	EventTypeComposerArchived = "composer_archived"
	EventTypeBackgroundUpdate = "background_composer_update"
	EventTypeFileOpened       = "file_opened"
	EventTypeSessionStart     = "session_start"
	EventTypeSessionEnd       = "session_end"
)

// Event is the canonical record produced by every ingress path.
//
// The payload is the source of truth: every scalar projection stored
// alongside it in the unified store is derivable from the payload alone.
// Projections may be absent (NULL) but are never inconsistent with it.
type Event struct {
	// EventID is a UUID assigned at first enqueue, used for idempotency.
	EventID string `json:"event_id"`

	Platform  Platform `json:"platform"`
	EventType string   `json:"event_type"`

	// Timestamp is the event's own time (UTC, millisecond precision),
	// as opposed to EnqueuedAt which is when the queue accepted it.
	Timestamp time.Time `json:"timestamp"`

	// ExternalSessionID is the platform-native session identifier:
	// Cursor's curs_<ts>_<rand>, or the Claude transcript session UUID.
	ExternalSessionID string `json:"external_session_id,omitempty"`

	// WorkspaceHash is the 16-hex truncated SHA-256 of the workspace
	// path. Empty for Claude events, which carry no workspace concept.
	WorkspaceHash string `json:"workspace_hash,omitempty"`

	// Sequence is the per-platform monotonic counter assigned by the
	// unified store at commit time. Zero until committed.
	Sequence int64 `json:"sequence,omitempty"`

	// Payload is the opaque platform JSON blob.
	Payload json.RawMessage `json:"payload"`

	// Metadata carries ingress annotations (hook name, source path).
	Metadata map[string]any `json:"metadata,omitempty"`

	// EnqueuedAt is stamped by the ingress path when the event is
	// appended to the message queue.
	EnqueuedAt time.Time `json:"enqueued_at,omitempty"`
}

// NormalizeTimestamp truncates the event timestamp to millisecond
// precision in UTC, the canonical resolution for the unified store.
func (e *Event) NormalizeTimestamp() {
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Millisecond)
}
