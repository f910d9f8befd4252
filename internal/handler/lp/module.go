package lp

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/latticeim/im-realtime-service/internal/auth"
	"github.com/latticeim/im-realtime-service/internal/service"
)

var Module = fx.Module("lp-handler",
	fx.Provide(func(logger *slog.Logger, a auth.Authenticator, deliverer service.Deliverer) *Handler {
		return NewHandler(logger, a, deliverer)
	}),
)
