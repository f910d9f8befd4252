package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/latticeim/im-realtime-service/config"
	"github.com/latticeim/im-realtime-service/internal/auth"
	"github.com/latticeim/im-realtime-service/internal/limits"
	"github.com/latticeim/im-realtime-service/internal/resume"
	"github.com/latticeim/im-realtime-service/internal/storage/messages"
	"github.com/latticeim/im-realtime-service/internal/storage/outbox"
	"github.com/latticeim/im-realtime-service/internal/storage/postgres"
)

// ProvideLogger builds the process-wide structured logger and installs it as
// the slog default.
func ProvideLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})).With("service", ServiceName)

	slog.SetDefault(logger)
	return logger
}

// ProvideRedis opens the shared Redis client. Streams, rate limits, resume
// snapshots and dedupe markers all ride this connection.
func ProvideRedis(lc fx.Lifecycle, cfg *config.Config) (redis.UniversalClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return rdb.Close()
		},
	})
	return rdb, nil
}

// ProvidePostgres opens the relational pool.
func ProvidePostgres(lc fx.Lifecycle, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := postgres.NewPool(context.Background(), cfg.DB)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return pool.Ping(ctx)
		},
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})
	return pool, nil
}

// ProvideMessageLimiter is the shared-window quota backend for message
// ingest, counted across replicas.
func ProvideMessageLimiter(rdb redis.UniversalClient, cfg *config.Config) limits.Limiter {
	return limits.NewRedisLimiter(rdb, cfg.Redis.KeyPrefix+":msg", cfg.RateLimit.Window(),
		limits.Rule{Scope: limits.ScopeUser, Capacity: cfg.RateLimit.MessagesPerMin},
		limits.Rule{Scope: limits.ScopeSession, Capacity: cfg.RateLimit.MessagesPerMin},
	)
}

// ProvideResumeStore keeps resume snapshots in Redis so reconnects survive a
// node change behind the load balancer.
func ProvideResumeStore(rdb redis.UniversalClient, cfg *config.Config) resume.Store {
	return resume.NewRedisStore(rdb, cfg.Redis.KeyPrefix, cfg.WS.ResumeTTL())
}

// ProvideReplayGuard backs token JTI tracking with Redis, with a local LRU in
// front.
func ProvideReplayGuard(rdb redis.UniversalClient, cfg *config.Config) auth.ReplayGuard {
	return auth.NewRedisReplayGuard(rdb, cfg.Redis.KeyPrefix, cfg.Auth.JTITTL())
}

func ProvideAuthenticator(cfg *config.Config, guard auth.ReplayGuard, logger *slog.Logger) (auth.Authenticator, error) {
	return auth.NewJWTAuthenticator(cfg, guard, logger)
}

func ProvideOutboxRepository(pool *pgxpool.Pool, cfg *config.Config, logger *slog.Logger) *outbox.Repository {
	return outbox.NewRepository(pool, cfg.Outbox.MaxAttempts, logger)
}

func ProvideMessageRepository(pool *pgxpool.Pool, ob *outbox.Repository, logger *slog.Logger) *messages.Repository {
	return messages.NewRepository(pool, ob, logger)
}
