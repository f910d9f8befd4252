package httpapi

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/latticeim/im-realtime-service/internal/auth"
	"github.com/latticeim/im-realtime-service/internal/domain/registry"
	"github.com/latticeim/im-realtime-service/internal/service"
)

// pgPinger adapts the pool to the health probe surface.
type pgPinger struct{ pool *pgxpool.Pool }

func (p pgPinger) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

type redisPinger struct{ rdb redis.UniversalClient }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

var Module = fx.Module("httpapi",
	fx.Provide(
		func(
			logger *slog.Logger,
			authn auth.Authenticator,
			sender service.Sender,
			hub registry.Hubber,
			pool *pgxpool.Pool,
			rdb redis.UniversalClient,
		) *Handler {
			probes := map[string]Pinger{
				"postgres": pgPinger{pool: pool},
				"redis":    redisPinger{rdb: rdb},
			}
			return NewHandler(logger, authn, sender, hub, probes)
		},
	),
)
