// Package msgqueue wraps Redis Streams as the at-least-once append log
// between event capture and the unified store. It owns the consumer-group
// plumbing: pending entries, delivery counts, approximate trimming, and
// the dead letter stream for poison messages.
package msgqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/blueplane/telemetry-core/pkg/codec"
	"github.com/blueplane/telemetry-core/pkg/config"
	"github.com/blueplane/telemetry-core/pkg/models"
)

var (
	// ErrUnavailable indicates the broker could not be reached within
	// the producer's bounded timeout. Ingress treats this as a drop.
	ErrUnavailable = errors.New("message queue unavailable")

	// ErrMovedToDLQ signals that a poison message now lives in the dead
	// letter stream and its primary-stream entry may be acknowledged.
	ErrMovedToDLQ = errors.New("message moved to DLQ")
)

// Message is one entry read from a stream.
type Message struct {
	ID     string
	Values map[string]any
}

// Queue is the stream abstraction over a single Redis connection.
type Queue struct {
	rdb *redis.Client
	cfg *config.QueueConfig
}

// New creates a Queue. The client is owned by the caller.
func New(rdb *redis.Client, cfg *config.QueueConfig) *Queue {
	return &Queue{rdb: rdb, cfg: cfg}
}

// Ping verifies broker connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Append adds a field map to a stream with approximate MAXLEN retention.
// The call is bounded by the configured append timeout; producers never
// block longer than that.
func (q *Queue) Append(ctx context.Context, stream string, fields map[string]any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.AppendTimeout)
	defer cancel()

	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: q.cfg.MaxLen,
		Approx: true,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("%w: appending to %s: %v", ErrUnavailable, stream, err)
	}
	return id, nil
}

// Publish encodes a canonical event and appends it to the primary stream.
// A missing event_id is assigned here and enqueued_at is stamped; both
// mutations are written back into ev so the caller sees the final record.
func (q *Queue) Publish(ctx context.Context, ev *models.Event) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	ev.EnqueuedAt = time.Now().UTC().Truncate(time.Millisecond)
	ev.NormalizeTimestamp()

	fields, err := codec.EncodeWire(ev)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", ev.EventID, err)
	}
	_, err = q.Append(ctx, config.StreamMessageQueue, fields)
	return err
}

// EnsureGroup creates the consumer group from stream position 0 if it does
// not exist. Safe to call on every start.
func (q *Queue) EnsureGroup(ctx context.Context, stream, group string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating group %s on %s: %w", group, stream, err)
	}
	return nil
}

// ReadGroup performs a blocking consumer-group read. A nil slice with nil
// error means the block timeout elapsed with nothing to deliver. Messages
// previously delivered but unacknowledged are redelivered by the broker
// on group recovery (XAUTOCLAIM is the consumer's concern, see Claim).
func (q *Queue) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading group %s on %s: %w", group, stream, err)
	}

	var msgs []Message
	for _, s := range res {
		for _, m := range s.Messages {
			msgs = append(msgs, Message{ID: m.ID, Values: m.Values})
		}
	}
	return msgs, nil
}

// Claim transfers messages that have been pending longer than minIdle to
// this consumer and returns them for reprocessing. Used on startup and
// periodically so a crashed consumer's pending entries are recovered.
func (q *Queue) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	claimed, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming pending on %s: %w", stream, err)
	}

	msgs := make([]Message, 0, len(claimed))
	for _, m := range claimed {
		msgs = append(msgs, Message{ID: m.ID, Values: m.Values})
	}
	return msgs, nil
}

// Ack removes ids from the group's pending entries list.
func (q *Queue) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := q.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("acking %d message(s) on %s: %w", len(ids), stream, err)
	}
	return nil
}

// DeliveryCount reads the broker-side delivery counter for a pending
// message. Returns 0 when the message is no longer pending.
func (q *Queue) DeliveryCount(ctx context.Context, stream, group, id string) (int64, error) {
	entries, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("reading pending entry %s: %w", id, err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[0].RetryCount, nil
}

// Trim bounds a stream to approximately maxLen entries.
func (q *Queue) Trim(ctx context.Context, stream string, maxLen int64) error {
	if err := q.rdb.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err(); err != nil {
		return fmt.Errorf("trimming %s: %w", stream, err)
	}
	return nil
}

// Lag estimates how far the consumer group trails the stream: the number
// of entries not yet delivered plus those delivered but unacknowledged.
// Undelivered entries are counted against the group's last-delivered ID
// rather than trusting the server's lag field, which not every broker
// implementation reports consistently.
func (q *Queue) Lag(ctx context.Context, stream, group string) (int64, error) {
	groups, err := q.rdb.XInfoGroups(ctx, stream).Result()
	if err != nil {
		// A stream that does not exist yet has zero lag.
		if strings.Contains(err.Error(), "no such key") {
			return 0, nil
		}
		return 0, fmt.Errorf("reading group info on %s: %w", stream, err)
	}
	for _, g := range groups {
		if g.Name != group {
			continue
		}

		pend, err := q.rdb.XPending(ctx, stream, group).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return 0, fmt.Errorf("reading pending summary on %s: %w", stream, err)
		}
		var pending int64
		if pend != nil {
			pending = pend.Count
		}

		entries, err := q.rdb.XRange(ctx, stream, "-", "+").Result()
		if err != nil {
			return 0, fmt.Errorf("ranging %s: %w", stream, err)
		}
		var undelivered int64
		for _, m := range entries {
			if streamIDAfter(m.ID, g.LastDeliveredID) {
				undelivered++
			}
		}
		return pending + undelivered, nil
	}
	return 0, nil
}

// streamIDAfter reports whether stream entry ID a is strictly newer than b.
// IDs are "<ms>-<seq>" pairs and compare numerically, not lexically.
func streamIDAfter(a, b string) bool {
	ams, aseq := splitStreamID(a)
	bms, bseq := splitStreamID(b)
	if ams != bms {
		return ams > bms
	}
	return aseq > bseq
}

func splitStreamID(id string) (ms, seq uint64) {
	msPart, seqPart, _ := strings.Cut(id, "-")
	ms, _ = strconv.ParseUint(msPart, 10, 64)
	seq, _ = strconv.ParseUint(seqPart, 10, 64)
	return ms, seq
}

// Range reads a whole stream without consumer-group bookkeeping. Used for
// dead-letter inspection and tests.
func (q *Queue) Range(ctx context.Context, stream string) ([]Message, error) {
	res, err := q.rdb.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("ranging %s: %w", stream, err)
	}
	msgs := make([]Message, 0, len(res))
	for _, m := range res {
		msgs = append(msgs, Message{ID: m.ID, Values: m.Values})
	}
	return msgs, nil
}

// MoveToDLQ copies a poison message to the dead letter stream with error
// context, then acknowledges the original so it stops redelivering.
func (q *Queue) MoveToDLQ(ctx context.Context, stream, group string, msg Message, procErr error) error {
	fields := make(map[string]any, len(msg.Values)+3)
	for k, v := range msg.Values {
		fields[k] = v
	}
	fields["origin_stream"] = stream
	fields[codec.FieldError] = procErr.Error()
	fields[codec.FieldFailedAt] = time.Now().UTC().Format(time.RFC3339Nano)

	if _, err := q.Append(ctx, config.StreamDLQ, fields); err != nil {
		return fmt.Errorf("writing DLQ entry for %s: %w", msg.ID, err)
	}
	if err := q.Ack(ctx, stream, group, msg.ID); err != nil {
		// The DLQ copy exists; a failed ack means one harmless
		// redelivery that will hit the DLQ path again.
		slog.Warn("DLQ move acked late", "message_id", msg.ID, "error", err)
	}
	return nil
}
