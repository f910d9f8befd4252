package service

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/latticeim/im-realtime-service/config"
	"github.com/latticeim/im-realtime-service/internal/domain/model"
	"github.com/latticeim/im-realtime-service/internal/domain/registry"
	"github.com/latticeim/im-realtime-service/internal/limits"
	"github.com/latticeim/im-realtime-service/internal/storage/messages"
)

var Module = fx.Module(
	"service",

	fx.Provide(
		func(hub registry.Hubber, cfg *config.Config) Deliverer {
			return NewDeliveryService(hub, cfg.WS)
		},

		func(repo *messages.Repository, logger *slog.Logger) model.AccessPolicy {
			return NewAccessPolicy(repo, logger)
		},

		// The message quota chain: per-account and per-session buckets share
		// one window. The limiter backend is provided by the runtime wiring.
		func(limiter limits.Limiter) *limits.Composite {
			return limits.NewComposite(limiter, limits.ScopeUser, limits.ScopeSession)
		},

		func(repo *messages.Repository, limiter *limits.Composite, access model.AccessPolicy) Sender {
			return NewSenderService(repo, limiter, access)
		},
	),

	// Cross-cutting observability rides a decorator, not the service body.
	fx.Decorate(func(orig Sender, logger *slog.Logger) Sender {
		return newSenderMiddleware(orig, logger)
	}),
)
