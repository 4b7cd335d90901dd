package models

import "time"

// FileState is the durable read position for one Claude JSONL transcript.
//
// LineOffset counts complete, newline-terminated lines already consumed;
// ByteOffset is the file position immediately after the last consumed
// newline. (Size, MTime) reflect the last fully-consumed stat of the file:
// a later stat with Size < last Size means the file was truncated and both
// offsets reset to zero.
type FileState struct {
	FilePath     string    `json:"file_path"`
	SessionID    string    `json:"session_id"`
	AgentID      string    `json:"agent_id,omitempty"`
	LineOffset   int64     `json:"line_offset"`
	ByteOffset   int64     `json:"byte_offset"`
	Size         int64     `json:"last_size"`
	MTime        time.Time `json:"last_mtime"`
	LastReadTime time.Time `json:"last_read_time"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MonitorState is the persisted change-detection state for one logical
// source key of one Cursor workspace. Timestamped sources advance
// LastSeenUnixMs; timestamp-less sources compare LastHash, a SHA-256 of
// the canonical JSON last observed.
type MonitorState struct {
	WorkspaceHash  string    `json:"workspace_hash"`
	SourceKey      string    `json:"source_key"`
	LastSeenUnixMs int64     `json:"last_seen_unix_ms"`
	LastHash       string    `json:"last_hash,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ProcessingState is the per-platform high-water mark consumed by the
// analytics layer. The core exposes it atomically but does not depend on
// it for its own progress.
type ProcessingState struct {
	Platform               Platform  `json:"platform"`
	LastProcessedSequence  int64     `json:"last_processed_sequence"`
	LastProcessedTimestamp time.Time `json:"last_processed_timestamp"`
	UpdatedAt              time.Time `json:"updated_at"`
}
