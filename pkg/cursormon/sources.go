package cursormon

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blueplane/telemetry-core/pkg/models"
)

// Source keys under which per-workspace snapshot state is persisted.
const (
	sourceGenerations = "aiService.generations"
	sourceComposers   = "composer.composerData"
	sourceBackground  = "backgroundComposer"
	sourceHistory     = "history.entries"
)

// deterministicID derives a stable event ID from the platform-native
// identity of an observation. Re-observing the same generation or bubble
// after a restart produces the same ID, and the store's unique index
// absorbs the replay.
func deterministicID(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("cursor:"+strings.Join(parts, ":"))).String()
}

// pollGenerations emits one event per aiService.generations element
// newer than the persisted high-water mark.
func (m *Monitor) pollGenerations(ctx context.Context, sess *models.CursorSession, db *sql.DB) error {
	raw, err := readItem(ctx, db, sourceGenerations)
	if err != nil {
		return fmt.Errorf("reading generations: %w", err)
	}
	if raw == nil {
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		m.logDrift(sess.WorkspaceHash, sourceGenerations, err)
		return nil
	}

	st, err := m.offsets.GetMonitorState(ctx, sess.WorkspaceHash, sourceGenerations)
	if err != nil {
		return err
	}

	maxSeen := st.LastSeenUnixMs
	for _, item := range items {
		var gen struct {
			GenerationUUID string `json:"generationUUID"`
			UnixMs         int64  `json:"unixMs"`
		}
		if err := json.Unmarshal(item, &gen); err != nil || gen.GenerationUUID == "" {
			continue
		}
		if gen.UnixMs > maxSeen {
			maxSeen = gen.UnixMs
		}
		if gen.UnixMs <= st.LastSeenUnixMs {
			continue
		}
		dedupKey := sess.WorkspaceHash + ":gen:" + gen.GenerationUUID
		if m.seen.Contains(dedupKey) {
			continue
		}
		if err := m.emit(ctx, sess, &models.Event{
			EventID:   deterministicID("generation", sess.WorkspaceHash, gen.GenerationUUID),
			EventType: models.EventTypeGeneration,
			Timestamp: time.UnixMilli(gen.UnixMs),
			Payload:   item,
		}); err != nil {
			return err
		}
		m.seen.Add(dedupKey)
	}

	if maxSeen != st.LastSeenUnixMs {
		st.WorkspaceHash, st.SourceKey = sess.WorkspaceHash, sourceGenerations
		st.LastSeenUnixMs = maxSeen
		return m.offsets.UpsertMonitorState(ctx, st)
	}
	return nil
}

// pollComposers diffs composer metadata against the persisted per-
// composer hash and returns the composer IDs for the bubble pass.
func (m *Monitor) pollComposers(ctx context.Context, sess *models.CursorSession, db *sql.DB) ([]string, error) {
	raw, err := readItem(ctx, db, sourceComposers)
	if err != nil {
		return nil, fmt.Errorf("reading composer metadata: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	items, err := composerList(raw)
	if err != nil {
		m.logDrift(sess.WorkspaceHash, sourceComposers, err)
		return nil, nil
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		var meta struct {
			ComposerID string `json:"composerId"`
			IsArchived bool   `json:"isArchived"`
		}
		if err := json.Unmarshal(item, &meta); err != nil || meta.ComposerID == "" {
			continue
		}
		ids = append(ids, meta.ComposerID)

		hash := canonicalHash(item)
		st, err := m.offsets.GetMonitorState(ctx, sess.WorkspaceHash, "composer:"+meta.ComposerID)
		if err != nil {
			return nil, err
		}
		if st.LastHash == hash {
			continue
		}

		eventType := models.EventTypeComposerUpdated
		switch {
		case st.LastHash == "":
			eventType = models.EventTypeComposerCreated
		case meta.IsArchived && st.LastSeenUnixMs == 0:
			eventType = models.EventTypeComposerArchived
		}

		if err := m.emit(ctx, sess, &models.Event{
			EventID:   deterministicID("composer", meta.ComposerID, eventType, hash),
			EventType: eventType,
			Timestamp: time.Now(),
			Payload:   item,
		}); err != nil {
			return nil, err
		}

		st.WorkspaceHash, st.SourceKey = sess.WorkspaceHash, "composer:"+meta.ComposerID
		st.LastHash = hash
		st.LastSeenUnixMs = 0
		if meta.IsArchived {
			st.LastSeenUnixMs = 1
		}
		if err := m.offsets.UpsertMonitorState(ctx, st); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// composerList accepts both shapes Cursor has shipped: a bare array and
// an object wrapping one under allComposers.
func composerList(raw []byte) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err == nil {
		return items, nil
	}
	var wrapped struct {
		AllComposers []json.RawMessage `json:"allComposers"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.AllComposers, nil
}

// pollBubbles reads each composer's conversation from the global store
// and emits new bubbles in array order.
func (m *Monitor) pollBubbles(ctx context.Context, sess *models.CursorSession, globalDB *sql.DB, composerIDs []string) error {
	for _, composerID := range composerIDs {
		raw, err := readDiskKV(ctx, globalDB, "composerData:"+composerID)
		if err != nil {
			return fmt.Errorf("reading composer %s: %w", composerID, err)
		}
		if raw == nil {
			continue
		}

		var data struct {
			Conversation []json.RawMessage `json:"conversation"`
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			m.logDrift(sess.WorkspaceHash, "composerData:"+composerID, err)
			continue
		}

		type bubbleRef struct {
			id  string
			raw json.RawMessage
		}
		bubbles := make([]bubbleRef, 0, len(data.Conversation))
		idList := make([]string, 0, len(data.Conversation))
		for _, b := range data.Conversation {
			var meta struct {
				BubbleID string `json:"bubbleId"`
			}
			if err := json.Unmarshal(b, &meta); err != nil || meta.BubbleID == "" {
				continue
			}
			bubbles = append(bubbles, bubbleRef{id: meta.BubbleID, raw: b})
			idList = append(idList, meta.BubbleID)
		}

		idsJSON, _ := json.Marshal(idList)
		hash := canonicalHash(idsJSON)
		stateKey := "bubbles:" + composerID
		st, err := m.offsets.GetMonitorState(ctx, sess.WorkspaceHash, stateKey)
		if err != nil {
			return err
		}
		if st.LastHash == hash {
			continue
		}

		known, ok := m.bubbleSets[composerID]
		if !ok {
			known, err = m.client.KnownBubbleIDs(ctx, composerID)
			if err != nil {
				return err
			}
			m.bubbleSets[composerID] = known
		}

		for _, b := range bubbles {
			if _, dup := known[b.id]; dup {
				continue
			}
			payload, err := withComposerID(b.raw, composerID)
			if err != nil {
				m.logger.Warn("Skipping unreadable bubble",
					"composer_id", composerID, "bubble_id", b.id, "error", err)
				continue
			}
			if err := m.emit(ctx, sess, &models.Event{
				EventID:   deterministicID("bubble", composerID, b.id),
				EventType: models.EventTypeBubble,
				Timestamp: time.Now(),
				Payload:   payload,
			}); err != nil {
				return err
			}
			known[b.id] = struct{}{}
		}

		st.WorkspaceHash, st.SourceKey = sess.WorkspaceHash, stateKey
		st.LastHash = hash
		if err := m.offsets.UpsertMonitorState(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// withComposerID injects the owning composer into a bubble payload so
// the stored projection can index it. Existing fields win.
func withComposerID(raw json.RawMessage, composerID string) (json.RawMessage, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if _, ok := fields["composerId"]; !ok {
		fields["composerId"] = composerID
	}
	return json.Marshal(fields)
}

// pollBackground emits one update event whenever the background composer
// state blob changes.
func (m *Monitor) pollBackground(ctx context.Context, sess *models.CursorSession, db *sql.DB) error {
	raw, err := readItem(ctx, db, "workbench.backgroundComposer.workspacePersistentData")
	if err != nil {
		return fmt.Errorf("reading background composer state: %w", err)
	}
	if raw == nil {
		return nil
	}

	hash := canonicalHash(raw)
	st, err := m.offsets.GetMonitorState(ctx, sess.WorkspaceHash, sourceBackground)
	if err != nil {
		return err
	}
	if st.LastHash == hash {
		return nil
	}

	if st.LastHash != "" {
		if err := m.emit(ctx, sess, &models.Event{
			EventID:   deterministicID("background", sess.WorkspaceHash, hash),
			EventType: models.EventTypeBackgroundUpdate,
			Timestamp: time.Now(),
			Payload:   raw,
		}); err != nil {
			return err
		}
	}

	st.WorkspaceHash, st.SourceKey = sess.WorkspaceHash, sourceBackground
	st.LastHash = hash
	return m.offsets.UpsertMonitorState(ctx, st)
}

// pollHistory emits file_opened events for additions to history.entries.
// The first observation of a workspace (or the first after a restart)
// establishes a baseline without emitting.
func (m *Monitor) pollHistory(ctx context.Context, sess *models.CursorSession, db *sql.DB) error {
	raw, err := readItem(ctx, db, sourceHistory)
	if err != nil {
		return fmt.Errorf("reading history entries: %w", err)
	}
	if raw == nil {
		return nil
	}

	var entries []struct {
		Editor struct {
			Resource string `json:"resource"`
		} `json:"editor"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		m.logDrift(sess.WorkspaceHash, sourceHistory, err)
		return nil
	}

	hash := canonicalHash(raw)
	st, err := m.offsets.GetMonitorState(ctx, sess.WorkspaceHash, sourceHistory)
	if err != nil {
		return err
	}

	seen, haveBaseline := m.historySeen[sess.WorkspaceHash]
	if !haveBaseline {
		seen = make(map[string]struct{}, len(entries))
		m.historySeen[sess.WorkspaceHash] = seen
	}

	for _, e := range entries {
		resource := e.Editor.Resource
		if resource == "" {
			continue
		}
		if _, ok := seen[resource]; ok {
			continue
		}
		seen[resource] = struct{}{}
		if !haveBaseline {
			continue
		}
		payload, _ := json.Marshal(map[string]string{"resource": resource})
		if err := m.emit(ctx, sess, &models.Event{
			EventID:   deterministicID("file_opened", sess.WorkspaceHash, resource),
			EventType: models.EventTypeFileOpened,
			Timestamp: time.Now(),
			Payload:   payload,
		}); err != nil {
			return err
		}
	}

	if st.LastHash != hash {
		st.WorkspaceHash, st.SourceKey = sess.WorkspaceHash, sourceHistory
		st.LastHash = hash
		return m.offsets.UpsertMonitorState(ctx, st)
	}
	return nil
}
