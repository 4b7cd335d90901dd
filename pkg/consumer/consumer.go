// Package consumer drains the message queue into the unified store. It
// batches reads, commits each batch in one transaction, and moves
// repeatedly failing messages to the dead letter queue.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/blueplane/telemetry-core/pkg/codec"
	"github.com/blueplane/telemetry-core/pkg/config"
	"github.com/blueplane/telemetry-core/pkg/metrics"
	"github.com/blueplane/telemetry-core/pkg/models"
	"github.com/blueplane/telemetry-core/pkg/msgqueue"
	"github.com/blueplane/telemetry-core/pkg/offsets"
	"github.com/blueplane/telemetry-core/pkg/pacing"
	"github.com/blueplane/telemetry-core/pkg/store"
)

// defaultClaimMinIdle is how long a message may sit in another
// consumer's PEL before this one claims it. Covers consumers that died
// mid-batch.
const defaultClaimMinIdle = 30 * time.Second

// Consumer is one member of the processors group. Multiple instances
// may run; the store's event_id uniqueness makes redelivery safe.
type Consumer struct {
	queue   *msgqueue.Queue
	client  *store.Client
	offsets *offsets.Store
	metrics *metrics.Registry
	cfg     *config.QueueConfig
	logger  *slog.Logger
	name    string

	claimMinIdle time.Duration
	lastClaim    time.Time
	breaker      *pacing.Breaker
	failurePause time.Duration

	// latencyP95 is swappable in tests.
	latencyP95 func() time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(queue *msgqueue.Queue, client *store.Client, offsetStore *offsets.Store, reg *metrics.Registry, cfg *config.QueueConfig, logger *slog.Logger) *Consumer {
	host, _ := os.Hostname()
	return &Consumer{
		queue:        queue,
		client:       client,
		offsets:      offsetStore,
		metrics:      reg,
		cfg:          cfg,
		logger:       logger.With("component", "consumer"),
		name:         fmt.Sprintf("%s-%d", host, os.Getpid()),
		claimMinIdle: defaultClaimMinIdle,
		breaker:      pacing.NewBreaker(0, 0),
		failurePause: time.Second,
		latencyP95:   client.Writer().LatencyP95,
		stopCh:       make(chan struct{}),
	}
}

// Start creates the consumer group and launches the read loop.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.queue.EnsureGroup(ctx, config.StreamMessageQueue, c.cfg.Group); err != nil {
		return fmt.Errorf("ensuring consumer group: %w", err)
	}
	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()
	c.logger.Info("Consumer started", "consumer", c.name, "group", c.cfg.Group)

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		if !c.step(ctx) {
			return
		}
	}
}

// step runs one cycle, honoring the failure cool-down. Returns false
// when the consumer is stopping.
func (c *Consumer) step(ctx context.Context) bool {
	if d := c.breaker.Remaining(); d > 0 {
		c.logger.Warn("Consumer cooling down after repeated failures", "remaining", d)
		select {
		case <-time.After(d):
		case <-c.stopCh:
			return false
		}
	}

	if err := c.cycle(ctx); err != nil {
		c.logger.Error("Consumer cycle failed", "error", err)
		c.breaker.Failure()
		select {
		case <-time.After(c.failurePause):
		case <-c.stopCh:
			return false
		}
		return true
	}
	c.breaker.Success()
	return true
}

// cycle performs one read-batch-commit-ack round.
func (c *Consumer) cycle(ctx context.Context) error {
	count, pause := c.backpressure()
	if pause > 0 {
		select {
		case <-time.After(pause):
		case <-c.stopCh:
			return nil
		}
	}

	msgs, err := c.queue.ReadGroup(ctx, config.StreamMessageQueue, c.cfg.Group, c.name,
		count, c.cfg.BlockTimeout)
	if err != nil {
		return err
	}

	// Widen the batch briefly if the first read came back short. The
	// window bounds how long any message waits before commit.
	if n := len(msgs); n > 0 && n < c.cfg.BatchSize {
		more, err := c.queue.ReadGroup(ctx, config.StreamMessageQueue, c.cfg.Group, c.name,
			int64(c.cfg.BatchSize-n), c.cfg.BatchWindow)
		if err == nil {
			msgs = append(msgs, more...)
		}
	}

	// Pick up messages stranded by dead consumers.
	if time.Since(c.lastClaim) >= c.claimMinIdle {
		c.lastClaim = time.Now()
		claimed, err := c.queue.Claim(ctx, config.StreamMessageQueue, c.cfg.Group, c.name,
			c.claimMinIdle, int64(c.cfg.BatchSize))
		if err != nil {
			c.logger.Warn("Claiming stale messages failed", "error", err)
		} else {
			msgs = append(msgs, claimed...)
		}
	}

	if lag, err := c.queue.Lag(ctx, config.StreamMessageQueue, c.cfg.Group); err == nil {
		c.metrics.SetConsumerLag(lag)
	}

	if len(msgs) == 0 {
		return nil
	}
	return c.processBatch(ctx, msgs)
}

func (c *Consumer) processBatch(ctx context.Context, msgs []msgqueue.Message) error {
	events := make([]*models.Event, 0, len(msgs))
	ids := make([]string, 0, len(msgs))

	for _, msg := range msgs {
		ev, err := codec.DecodeWire(msg.Values)
		if err != nil {
			// Undecodable messages can never succeed; straight to DLQ.
			c.logger.Warn("Poison message moved to DLQ", "id", msg.ID, "error", err)
			if dlqErr := c.queue.MoveToDLQ(ctx, config.StreamMessageQueue, c.cfg.Group, msg, err); dlqErr != nil {
				c.logger.Error("DLQ move failed", "id", msg.ID, "error", dlqErr)
			}
			c.metrics.IncEventsToDLQ(1)
			continue
		}
		events = append(events, ev)
		ids = append(ids, msg.ID)
	}
	if len(events) == 0 {
		return nil
	}

	result, err := c.client.InsertBatch(ctx, events)
	if err != nil {
		c.handleFailedBatch(ctx, msgs, err)
		return fmt.Errorf("committing batch of %d: %w", len(events), err)
	}

	if err := c.queue.Ack(ctx, config.StreamMessageQueue, c.cfg.Group, ids...); err != nil {
		// Rows are committed; redelivery will dedupe on event_id.
		c.logger.Warn("Ack failed after commit", "error", err)
	}
	c.metrics.IncEventsOut(int64(result.Inserted))

	for platform, r := range result.Ranges {
		if err := c.offsets.SetLastSequence(ctx, platform, r.Last); err != nil {
			c.logger.Warn("Recording processed sequence failed", "platform", platform, "error", err)
		}
		c.publishCDC(ctx, platform, r)
	}

	c.logger.Debug("Batch committed",
		"messages", len(msgs),
		"inserted", result.Inserted,
		"duplicates", result.Duplicates)
	return nil
}

// handleFailedBatch leaves messages pending for redelivery, except those
// already delivered too many times, which go to the DLQ.
func (c *Consumer) handleFailedBatch(ctx context.Context, msgs []msgqueue.Message, cause error) {
	for _, msg := range msgs {
		deliveries, err := c.queue.DeliveryCount(ctx, config.StreamMessageQueue, c.cfg.Group, msg.ID)
		if err != nil {
			c.logger.Warn("Delivery count lookup failed", "id", msg.ID, "error", err)
			continue
		}
		if deliveries < c.cfg.MaxDeliveries {
			continue
		}
		if err := c.queue.MoveToDLQ(ctx, config.StreamMessageQueue, c.cfg.Group, msg, cause); err != nil {
			c.logger.Error("DLQ move failed", "id", msg.ID, "error", err)
			continue
		}
		c.metrics.IncEventsToDLQ(1)
		c.logger.Warn("Message exhausted deliveries, moved to DLQ",
			"id", msg.ID, "deliveries", deliveries)
	}
}

// publishCDC announces a committed sequence range on the cdc stream for
// the analytics layer. Best effort: a missed notice is recovered by the
// analytics poller from processing state.
func (c *Consumer) publishCDC(ctx context.Context, platform models.Platform, r store.SequenceRange) {
	notice, err := json.Marshal(map[string]any{
		"platform":       platform,
		"first_sequence": r.First,
		"last_sequence":  r.Last,
		"committed_at":   time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	if _, err := c.queue.Append(ctx, config.StreamCDC, map[string]any{"notice": string(notice)}); err != nil {
		c.logger.Debug("CDC notice publish failed", "error", err)
	}
}

// backpressure inspects store commit latency and derates the read. Above
// the threshold the batch halves; above twice the threshold the consumer
// also pauses before reading.
func (c *Consumer) backpressure() (count int64, pause time.Duration) {
	count = int64(c.cfg.ReadCount)
	p95 := c.latencyP95()
	if p95 <= c.cfg.LatencyThreshold {
		return count, 0
	}
	count /= 2
	if p95 > 2*c.cfg.LatencyThreshold {
		return count, c.cfg.PausePerCycle
	}
	return count, 0
}
