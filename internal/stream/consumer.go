package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/latticeim/im-realtime-service/config"
	"github.com/latticeim/im-realtime-service/internal/domain/model"
)

// dedupeTTL bounds how long a processed event id blocks re-delivery. Double
// publishes come from dispatcher settle failures and reclaim races; both
// resolve well inside an hour.
const dedupeTTL = time.Hour

// pausePoll is how often a paused consumer re-checks hub saturation.
const pausePoll = 100 * time.Millisecond

// Sink receives ordered delivery events. The hub implements it.
type Sink interface {
	Deliver(ctx context.Context, ev *model.DeliveryEvent)
	// Saturation reports the fraction of fan-out buffer capacity in use,
	// 0 when idle. The consumer pauses reads above the configured threshold.
	Saturation() float64
}

// deadLetterer is the slice of the outbox repository the consumer needs.
type deadLetterer interface {
	DeadLetter(ctx context.Context, dl model.DeadLetter) error
}

// Consumer reads the delivery stream as part of a consumer group, restores
// per-conversation order and pushes events into the hub. Entries are acked
// only after they leave the reorder buffer, so a crash re-delivers anything
// still parked; the dedupe layer absorbs the resulting repeats.
type Consumer struct {
	rdb     redis.UniversalClient
	dlq     deadLetterer
	sink    Sink
	cfg     config.Queue
	prefix  string
	name    string
	reorder *reorderBuffer
	seen    *lru.LRU[string, struct{}]
	logger  *slog.Logger
}

func NewConsumer(rdb redis.UniversalClient, dlq deadLetterer, sink Sink, cfg config.Queue, keyPrefix string, logger *slog.Logger) *Consumer {
	name := cfg.ConsumerName
	if name == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "consumer"
		}
		name = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &Consumer{
		rdb:     rdb,
		dlq:     dlq,
		sink:    sink,
		cfg:     cfg,
		prefix:  keyPrefix,
		name:    name,
		reorder: newReorderBuffer(cfg.ReorderBuffer, cfg.ReorderTimeout()),
		seen:    lru.NewLRU[string, struct{}](8192, nil, dedupeTTL),
		logger:  logger.With("component", "consumer", "consumer_name", name),
	}
}

// Run blocks until ctx is canceled. Group creation is idempotent across
// replicas; every replica reads with its own consumer name.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	flushEvery := c.cfg.ReorderTimeout() / 2
	if flushEvery <= 0 {
		flushEvery = 500 * time.Millisecond
	}
	flushTicker := time.NewTicker(flushEvery)
	defer flushTicker.Stop()

	reclaimEvery := c.cfg.ClaimIdle() / 2
	if reclaimEvery <= 0 {
		reclaimEvery = 15 * time.Second
	}
	reclaimTicker := time.NewTicker(reclaimEvery)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-flushTicker.C:
			c.releaseExpired(ctx)
			continue
		case <-reclaimTicker.C:
			if err := c.reclaim(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn("reclaim pass failed", "error", err)
			}
			continue
		default:
		}

		// Backpressure: when the hub is close to full, stop pulling instead
		// of stacking events it cannot place.
		if c.sink.Saturation() >= c.cfg.PauseFraction {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pausePoll):
			}
			continue
		}

		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.name,
			Streams:  []string{c.cfg.StreamKey, ">"},
			Count:    int64(c.cfg.BatchSize),
			Block:    c.cfg.Block(),
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		if err != nil {
			c.logger.Error("stream read failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				c.handle(ctx, msg)
			}
		}
	}
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.StreamKey, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("stream: create group: %w", err)
	}
	return nil
}

// handle takes one raw record through parse, dedupe and reorder. The ack
// discipline: malformed and duplicate records ack immediately; ordered
// records ack after the hub accepted them; held records ack when released.
func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) {
	entry, err := parseEntry(msg)
	if err != nil {
		c.logger.Warn("malformed stream entry dead-lettered", "stream_id", msg.ID, "error", err)
		c.deadLetterRaw(ctx, msg, err.Error())
		c.ack(ctx, msg.ID)
		return
	}

	dup, err := c.isDuplicate(ctx, dedupeID(entry))
	if err != nil {
		c.logger.Warn("dedupe check failed, delivering anyway", "message_id", entry.MessageID, "error", err)
	}
	if dup {
		c.ack(ctx, entry.StreamID)
		return
	}

	ready := c.reorder.Offer(entry)
	if len(ready) == 0 {
		// Stale below the watermark acks now; held ahead of it acks when
		// its lane releases it.
		if !c.isHeld(entry) {
			c.ack(ctx, entry.StreamID)
		}
		return
	}
	c.deliverAll(ctx, ready)
}

// releaseExpired flushes reorder lanes that outwaited the gap timeout.
func (c *Consumer) releaseExpired(ctx context.Context) {
	released := c.reorder.Flush()
	if len(released) > 0 {
		c.logger.Warn("reorder gap timed out, delivering out of order", "count", len(released))
		c.deliverAll(ctx, released)
	}
}

func (c *Consumer) deliverAll(ctx context.Context, entries []*model.StreamEntry) {
	for _, e := range entries {
		ev := model.NewDeliveryEvent(e.AggregateID, e.MessageID, e.Seq, e.Payload)
		c.sink.Deliver(ctx, ev)
		c.ack(ctx, e.StreamID)
	}
}

// dedupeID keys duplicate suppression. Delivery identity is the message, not
// the stream record: a republished event for the same message must be
// suppressed even when it carries a fresh event id.
func dedupeID(e *model.StreamEntry) string {
	return e.MessageID.String()
}

// isDuplicate layers a local LRU in front of a shared SETNX marker so
// repeats within one process never touch Redis.
func (c *Consumer) isDuplicate(ctx context.Context, key string) (bool, error) {
	if _, ok := c.seen.Get(key); ok {
		return true, nil
	}
	c.seen.Add(key, struct{}{})

	ok, err := c.rdb.SetNX(ctx, c.prefix+":dedupe:"+key, 1, dedupeTTL).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// reclaim adopts entries another consumer claimed but never acked. Entries
// past the attempt cap are dead-lettered instead of recycled forever.
func (c *Consumer) reclaim(ctx context.Context) error {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.StreamKey,
		Group:  c.cfg.Group,
		Idle:   c.cfg.ClaimIdle(),
		Start:  "-",
		End:    "+",
		Count:  int64(c.cfg.BatchSize),
	}).Result()
	if err != nil {
		return fmt.Errorf("stream: pending scan: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	attempts := make(map[string]int64, len(pending))
	for _, p := range pending {
		attempts[p.ID] = p.RetryCount
	}

	claimed, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.cfg.StreamKey,
		Group:    c.cfg.Group,
		Consumer: c.name,
		MinIdle:  c.cfg.ClaimIdle(),
		Start:    "0-0",
		Count:    int64(c.cfg.BatchSize),
	}).Result()
	if err != nil {
		return fmt.Errorf("stream: autoclaim: %w", err)
	}

	for _, msg := range claimed {
		if attempts[msg.ID] > int64(c.cfg.MaxAttempts) {
			c.logger.Warn("entry exhausted delivery attempts",
				"stream_id", msg.ID, "attempts", attempts[msg.ID])
			c.deadLetterRaw(ctx, msg, "delivery attempts exhausted")
			c.ack(ctx, msg.ID)
			continue
		}
		c.handle(ctx, msg)
	}
	return nil
}

func (c *Consumer) deadLetterRaw(ctx context.Context, msg redis.XMessage, reason string) {
	dl := model.DeadLetter{
		SourceStream: c.cfg.StreamKey,
		Group:        c.cfg.Group,
		EventID:      uuid.New(),
		Reason:       reason,
		Attempts:     1,
	}
	if entry, err := parseEntry(msg); err == nil {
		dl.EventID = entry.EventID
		dl.AggregateID = entry.AggregateID
		dl.Payload = entry.Payload
	} else if raw, ok := msg.Values[fieldPayload].(string); ok {
		dl.Payload = []byte(raw)
	}
	if err := c.dlq.DeadLetter(ctx, dl); err != nil {
		c.logger.Error("dead letter write failed", "stream_id", msg.ID, "error", err)
	}
}

func (c *Consumer) ack(ctx context.Context, streamID string) {
	if err := c.rdb.XAck(ctx, c.cfg.StreamKey, c.cfg.Group, streamID).Err(); err != nil {
		c.logger.Warn("ack failed", "stream_id", streamID, "error", err)
	}
}

// isHeld reports whether entry is currently parked in its lane.
func (c *Consumer) isHeld(entry *model.StreamEntry) bool {
	ln := c.reorder.lanes[entry.AggregateID]
	if ln == nil {
		return false
	}
	_, ok := ln.pending[entry.Seq]
	return ok
}
