package stream

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/latticeim/im-realtime-service/config"
	"github.com/latticeim/im-realtime-service/internal/domain/model"
	"github.com/latticeim/im-realtime-service/internal/domain/registry"
	"github.com/latticeim/im-realtime-service/internal/storage/outbox"
)

// hubSink adapts the hub to the consumer's delivery surface.
type hubSink struct {
	hub registry.Hubber
}

func (s hubSink) Deliver(_ context.Context, ev *model.DeliveryEvent) {
	s.hub.Broadcast(ev)
}

func (s hubSink) Saturation() float64 {
	return s.hub.Saturation()
}

var Module = fx.Module("stream",
	fx.Provide(
		func(rdb redis.UniversalClient, cfg *config.Config) Publisher {
			return NewRedisPublisher(rdb, cfg.Queue.StreamKey)
		},

		func(repo *outbox.Repository, pub Publisher, cfg *config.Config, logger *slog.Logger) *Dispatcher {
			return NewDispatcher(repo, pub, cfg.Outbox, logger)
		},

		func(rdb redis.UniversalClient, repo *outbox.Repository, hub registry.Hubber, cfg *config.Config, logger *slog.Logger) *Consumer {
			return NewConsumer(rdb, repo, hubSink{hub: hub}, cfg.Queue, cfg.Redis.KeyPrefix, logger)
		},
	),
)
