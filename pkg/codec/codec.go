// Package codec converts canonical events to and from their two external
// forms: the Redis Streams field map (wire form) and the unified-store row
// form. Payloads travel zlib-compressed in both.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/klauspost/compress/zlib"

	"github.com/blueplane/telemetry-core/pkg/models"
)

// Wire field keys. All keys are ASCII; all values are byte strings.
const (
	FieldEventID           = "event_id"
	FieldEnqueuedAt        = "enqueued_at"
	FieldPlatform          = "platform"
	FieldExternalSessionID = "external_session_id"
	FieldWorkspaceHash     = "workspace_hash"
	FieldEventType         = "event_type"
	FieldTimestamp         = "timestamp"
	FieldPayload           = "payload"
	FieldMetadata          = "metadata"

	// DLQ-only fields added when a poison message is moved.
	FieldError    = "error"
	FieldFailedAt = "failed_at"
)

// Compress zlib-compresses data at the default level. Output is
// deterministic for a given input: one writer, one Close, no concurrency
// in the framing, so tests may hash the result.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing zlib writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening zlib reader: %w", err)
	}
	defer func() { _ = r.Close() }()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	return out, nil
}

// EncodeWire renders an event as the stream field map. The payload value
// holds raw zlib bytes; timestamps are unix-millisecond decimal strings.
func EncodeWire(ev *models.Event) (map[string]any, error) {
	payload := ev.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	compressed, err := Compress(payload)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{
		FieldEventID:    ev.EventID,
		FieldPlatform:   string(ev.Platform),
		FieldEventType:  ev.EventType,
		FieldTimestamp:  strconv.FormatInt(ev.Timestamp.UTC().UnixMilli(), 10),
		FieldEnqueuedAt: strconv.FormatInt(ev.EnqueuedAt.UTC().UnixMilli(), 10),
		FieldPayload:    string(compressed),
	}
	if ev.ExternalSessionID != "" {
		fields[FieldExternalSessionID] = ev.ExternalSessionID
	}
	if ev.WorkspaceHash != "" {
		fields[FieldWorkspaceHash] = ev.WorkspaceHash
	}
	if len(ev.Metadata) > 0 {
		meta, err := json.Marshal(ev.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshaling metadata: %w", err)
		}
		fields[FieldMetadata] = string(meta)
	}
	return fields, nil
}

// DecodeWire parses a stream field map back into a canonical event.
// The payload is decompressed; a missing or corrupt payload is an error
// (the caller decides whether that makes the message poison).
func DecodeWire(values map[string]any) (*models.Event, error) {
	ev := &models.Event{
		EventID:           stringField(values, FieldEventID),
		Platform:          models.Platform(stringField(values, FieldPlatform)),
		EventType:         stringField(values, FieldEventType),
		ExternalSessionID: stringField(values, FieldExternalSessionID),
		WorkspaceHash:     stringField(values, FieldWorkspaceHash),
	}
	if ev.EventID == "" {
		return nil, fmt.Errorf("wire message missing %s", FieldEventID)
	}
	if !ev.Platform.Valid() {
		return nil, fmt.Errorf("wire message has unknown platform %q", ev.Platform)
	}

	ts, err := millisField(values, FieldTimestamp)
	if err != nil {
		return nil, err
	}
	ev.Timestamp = ts

	if _, ok := values[FieldEnqueuedAt]; ok {
		enq, err := millisField(values, FieldEnqueuedAt)
		if err != nil {
			return nil, err
		}
		ev.EnqueuedAt = enq
	}

	raw := stringField(values, FieldPayload)
	if raw == "" {
		return nil, fmt.Errorf("wire message missing %s", FieldPayload)
	}
	payload, err := Decompress([]byte(raw))
	if err != nil {
		return nil, err
	}
	ev.Payload = payload

	if meta := stringField(values, FieldMetadata); meta != "" {
		if err := json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}
	return ev, nil
}

// EncodeRow returns the zlib-compressed JSON of the full event envelope
// for the event_data BLOB column.
func EncodeRow(ev *models.Event) ([]byte, error) {
	envelope, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshaling event envelope: %w", err)
	}
	return Compress(envelope)
}

// DecodeRow reverses EncodeRow.
func DecodeRow(blob []byte) (*models.Event, error) {
	envelope, err := Decompress(blob)
	if err != nil {
		return nil, err
	}
	var ev models.Event
	if err := json.Unmarshal(envelope, &ev); err != nil {
		return nil, fmt.Errorf("unmarshaling event envelope: %w", err)
	}
	return &ev, nil
}

func stringField(values map[string]any, key string) string {
	v, ok := values[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func millisField(values map[string]any, key string) (time.Time, error) {
	s := stringField(values, key)
	if s == "" {
		return time.Time{}, fmt.Errorf("wire message missing %s", key)
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", key, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}
