// Package runner owns the background loops of the service: outbox
// dispatching, stream consumption and storage housekeeping, tied to the
// application lifecycle.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/latticeim/im-realtime-service/config"
	"github.com/latticeim/im-realtime-service/internal/storage/outbox"
	"github.com/latticeim/im-realtime-service/internal/storage/postgres"
	"github.com/latticeim/im-realtime-service/internal/stream"
)

// staleClaimAge is how long a picked outbox row may sit before the reaper
// returns it to pending. Covers dispatchers that died mid-batch.
const staleClaimAge = time.Minute

// Runner drives the long-lived goroutines between Start and Stop.
type Runner struct {
	dispatcher *stream.Dispatcher
	consumer   *stream.Consumer
	outbox     *outbox.Repository
	cfg        *config.Config
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan error
}

func New(dispatcher *stream.Dispatcher, consumer *stream.Consumer, ob *outbox.Repository, cfg *config.Config, logger *slog.Logger) *Runner {
	return &Runner{
		dispatcher: dispatcher,
		consumer:   consumer,
		outbox:     ob,
		cfg:        cfg,
		logger:     logger.With("component", "runner"),
		done:       make(chan error, 1),
	}
}

// Start launches the loops. Returns immediately; failures surface on Stop.
func (r *Runner) Start(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.dispatcher.Run(ctx) })
	if r.cfg.Queue.Enabled {
		g.Go(func() error { return r.consumer.Run(ctx) })
	}
	g.Go(func() error { return r.housekeeping(ctx) })

	go func() { r.done <- g.Wait() }()
	return nil
}

// Stop cancels the loops and waits for them to drain.
func (r *Runner) Stop(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	select {
	case err := <-r.done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// housekeeping prunes terminal outbox rows on the retention schedule and
// reaps claims orphaned by crashed dispatcher replicas.
func (r *Runner) housekeeping(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Outbox.PruneEvery())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		// Maintenance queries are bounded by the pool's acquire timeout so a
		// saturated pool cannot wedge the housekeeping loop.
		opCtx, cancel := postgres.AcquireContext(ctx, r.cfg.DB)
		if n, err := r.outbox.Release(opCtx, staleClaimAge); err != nil {
			r.logger.Warn("stale claim reap failed", "error", err)
		} else if n > 0 {
			r.logger.Info("reaped stale outbox claims", "count", n)
		}

		if n, err := r.outbox.Prune(opCtx, r.cfg.Outbox.Retention()); err != nil {
			r.logger.Warn("outbox prune failed", "error", err)
		} else if n > 0 {
			r.logger.Info("pruned outbox rows", "count", n)
		}
		cancel()
	}
}
