package cmd

import (
	"go.uber.org/fx"

	"github.com/latticeim/im-realtime-service/config"
	httpsrv "github.com/latticeim/im-realtime-service/infra/server/http"
	"github.com/latticeim/im-realtime-service/internal/domain/registry"
	"github.com/latticeim/im-realtime-service/internal/handler/httpapi"
	"github.com/latticeim/im-realtime-service/internal/handler/lp"
	wshandler "github.com/latticeim/im-realtime-service/internal/handler/ws"
	"github.com/latticeim/im-realtime-service/internal/runner"
	"github.com/latticeim/im-realtime-service/internal/service"
	"github.com/latticeim/im-realtime-service/internal/stream"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideRedis,
			ProvidePostgres,
			ProvideMessageLimiter,
			ProvideResumeStore,
			ProvideReplayGuard,
			ProvideAuthenticator,
			ProvideOutboxRepository,
			ProvideMessageRepository,
		),
		service.Module,
		registry.Module,
		stream.Module,
		runner.Module,
		wshandler.Module,
		lp.Module,
		httpapi.Module,
		httpsrv.Module,
	)
}
