package codec

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueplane/telemetry-core/pkg/models"
)

func TestCompressRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty object", input: `{}`},
		{name: "nested payload", input: `{"type":"assistant","message":{"usage":{"input_tokens":120,"output_tokens":48}}}`},
		{name: "unicode text", input: `{"text":"héllo wörld — 日本語"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compressed, err := Compress([]byte(tt.input))
			require.NoError(t, err)
			out, err := Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, []byte(tt.input), out)
		})
	}
}

func TestCompressDeterministic(t *testing.T) {
	payload := []byte(`{"generationUUID":"a","unixMs":1700000000000,"type":"composer"}`)
	first, err := Compress(payload)
	require.NoError(t, err)
	second, err := Compress(payload)
	require.NoError(t, err)
	assert.Equal(t, first, second, "same input must compress to identical bytes")
}

func TestDecompressRejectsGarbage(t *testing.T) {
	_, err := Decompress([]byte("not zlib data"))
	assert.Error(t, err)
}

func TestWireRoundTrip(t *testing.T) {
	ts := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	ev := &models.Event{
		EventID:           "7f9c0a1e-1111-2222-3333-444455556666",
		Platform:          models.PlatformCursor,
		EventType:         models.EventTypeGeneration,
		Timestamp:         ts,
		ExternalSessionID: "curs_1700000000_abcd",
		WorkspaceHash:     "deadbeefdeadbeef",
		Payload:           json.RawMessage(`{"generationUUID":"a","unixMs":1700000000000}`),
		Metadata:          map[string]any{"source": "cursor_monitor"},
		EnqueuedAt:        ts.Add(time.Second),
	}

	fields, err := EncodeWire(ev)
	require.NoError(t, err)
	// The payload travels compressed, never as cleartext JSON.
	assert.NotEqual(t, string(ev.Payload), fields[FieldPayload])

	decoded, err := DecodeWire(fields)
	require.NoError(t, err)

	assert.Equal(t, ev.EventID, decoded.EventID)
	assert.Equal(t, ev.Platform, decoded.Platform)
	assert.Equal(t, ev.EventType, decoded.EventType)
	assert.Equal(t, ev.ExternalSessionID, decoded.ExternalSessionID)
	assert.Equal(t, ev.WorkspaceHash, decoded.WorkspaceHash)
	assert.True(t, ev.Timestamp.Equal(decoded.Timestamp))
	assert.True(t, ev.EnqueuedAt.Equal(decoded.EnqueuedAt))
	assert.Equal(t, []byte(ev.Payload), []byte(decoded.Payload), "payload must round-trip bit-exact")
	assert.Equal(t, "cursor_monitor", decoded.Metadata["source"])
}

func TestWireNilPayloadBecomesEmptyObject(t *testing.T) {
	ev := &models.Event{
		EventID:   "7f9c0a1e-aaaa-bbbb-cccc-ddddeeeeffff",
		Platform:  models.PlatformClaudeCode,
		EventType: models.EventTypeUser,
		Timestamp: time.Now(),
	}
	fields, err := EncodeWire(ev)
	require.NoError(t, err)
	decoded, err := DecodeWire(fields)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(decoded.Payload))
}

func TestDecodeWireValidation(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
	}{
		{name: "missing event_id", fields: map[string]any{FieldPlatform: "cursor"}},
		{name: "unknown platform", fields: map[string]any{FieldEventID: "x", FieldPlatform: "vscode"}},
		{
			name: "missing payload",
			fields: map[string]any{
				FieldEventID:   "x",
				FieldPlatform:  "cursor",
				FieldTimestamp: "1700000000000",
			},
		},
		{
			name: "corrupt payload",
			fields: map[string]any{
				FieldEventID:   "x",
				FieldPlatform:  "cursor",
				FieldTimestamp: "1700000000000",
				FieldPayload:   "plainly not zlib",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeWire(tt.fields)
			assert.Error(t, err)
		})
	}
}

func TestRowRoundTrip(t *testing.T) {
	ev := &models.Event{
		EventID:   "11111111-2222-3333-4444-555555555555",
		Platform:  models.PlatformClaudeCode,
		EventType: models.EventTypeAssistant,
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Payload:   json.RawMessage(`{"type":"assistant","uuid":"u1","message":{"model":"x","role":"assistant"}}`),
	}
	blob, err := EncodeRow(ev)
	require.NoError(t, err)

	decoded, err := DecodeRow(blob)
	require.NoError(t, err)
	assert.Equal(t, ev.EventID, decoded.EventID)
	assert.Equal(t, []byte(ev.Payload), []byte(decoded.Payload))
}
