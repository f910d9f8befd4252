package stream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/latticeim/im-realtime-service/config"
	"github.com/latticeim/im-realtime-service/internal/domain/model"
)

// outboxSource is the slice of the outbox repository the dispatcher drives.
type outboxSource interface {
	Claim(ctx context.Context, batch int, now time.Time) ([]model.OutboxEvent, error)
	MarkSent(ctx context.Context, ids []int64, dispatchedAt time.Time) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	Release(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Dispatcher drains the outbox onto the stream. One claim-publish-settle pass
// per tick; a full batch triggers an immediate follow-up pass so a backlog
// drains faster than the tick rate.
type Dispatcher struct {
	source    outboxSource
	publisher Publisher
	breaker   *gobreaker.CircuitBreaker
	tick      time.Duration
	batch     int
	logger    *slog.Logger
}

func NewDispatcher(source outboxSource, publisher Publisher, cfg config.Outbox, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		source:    source,
		publisher: publisher,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "stream-publish",
			MaxRequests: 1,
			Timeout:     5 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("publish breaker state change",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		}),
		tick:   cfg.Tick(),
		batch:  cfg.BatchSize,
		logger: logger.With("component", "dispatcher"),
	}
}

// Run loops until ctx is canceled, then returns claimed-but-unsettled rows to
// pending so a restart re-dispatches them immediately.
func (d *Dispatcher) Run(ctx context.Context) error {
	// Rows orphaned by a previous crash are still picked; recover them first.
	if n, err := d.source.Release(ctx, 0); err != nil {
		d.logger.Warn("startup release failed", "error", err)
	} else if n > 0 {
		d.logger.Info("recovered orphaned outbox rows", "count", n)
	}

	timer := time.NewTimer(d.tick)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		case <-timer.C:
		}

		n, err := d.pass(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("dispatch pass failed", "error", err)
		}

		// A full batch means more is waiting; go again without sleeping.
		if n == d.batch {
			timer.Reset(0)
		} else {
			timer.Reset(d.tick)
		}
	}
}

// pass claims one batch, publishes in FIFO order and settles each row. It
// returns the number of rows claimed.
func (d *Dispatcher) pass(ctx context.Context) (int, error) {
	if d.breaker.State() == gobreaker.StateOpen {
		return 0, nil
	}

	events, err := d.source.Claim(ctx, d.batch, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	var sent []int64
	// Aggregates with a failed publish in this batch: their later events are
	// requeued untried, otherwise per-conversation order would invert.
	held := make(map[uuid.UUID]struct{})

	for _, ev := range events {
		if _, blocked := held[ev.AggregateID]; blocked {
			if err := d.source.MarkFailed(ctx, ev.ID, "predecessor publish failed"); err != nil {
				d.logger.Error("requeue failed", "id", ev.ID, "error", err)
			}
			continue
		}

		_, err := d.breaker.Execute(func() (any, error) {
			return d.publisher.Publish(ctx, ev)
		})
		if err != nil {
			held[ev.AggregateID] = struct{}{}
			d.logger.Warn("publish failed",
				"event_id", ev.EventID, "aggregate_id", ev.AggregateID, "error", err)
			if err := d.source.MarkFailed(ctx, ev.ID, err.Error()); err != nil {
				d.logger.Error("mark failed failed", "id", ev.ID, "error", err)
			}
			continue
		}
		sent = append(sent, ev.ID)
	}

	if len(sent) > 0 {
		if err := d.source.MarkSent(ctx, sent, time.Now().UTC()); err != nil {
			// The entries are already on the stream; rows stay picked and the
			// stale-claim release path retries the settle. Consumers
			// deduplicate the resulting double publish.
			return len(events), err
		}
	}
	return len(events), nil
}

func (d *Dispatcher) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if n, err := d.source.Release(ctx, 0); err != nil {
		return err
	} else if n > 0 {
		d.logger.Info("released claimed outbox rows on shutdown", "count", n)
	}
	return nil
}
