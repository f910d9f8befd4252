package ws

import (
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/latticeim/im-realtime-service/config"
	"github.com/latticeim/im-realtime-service/internal/auth"
	"github.com/latticeim/im-realtime-service/internal/limits"
	"github.com/latticeim/im-realtime-service/internal/resume"
	"github.com/latticeim/im-realtime-service/internal/service"
)

var Module = fx.Module("ws",
	fx.Provide(
		func(
			logger *slog.Logger,
			authn auth.Authenticator,
			deliverer service.Deliverer,
			sender service.Sender,
			store resume.Store,
			rdb redis.UniversalClient,
			cfg *config.Config,
		) *Handler {
			// Connection admission rides its own bucket, separate from the
			// message quota.
			connLimiter := limits.NewRedisLimiter(rdb,
				cfg.Redis.KeyPrefix+":conn", cfg.RateLimit.Window(),
				limits.Rule{Scope: limits.ScopeRemote, Capacity: cfg.RateLimit.ConnectionsPerMin},
				limits.Rule{Scope: limits.ScopeUser, Capacity: cfg.RateLimit.ConnectionsPerMin},
			)
			return NewHandler(logger, authn, deliverer, sender, store, connLimiter, cfg.WS)
		},
	),
)
