// Package http hosts the chi router and the HTTP server lifecycle. Both the
// REST surface and the WebSocket endpoint hang off the same listener.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/fx"

	"github.com/latticeim/im-realtime-service/config"
	"github.com/latticeim/im-realtime-service/internal/handler/httpapi"
	"github.com/latticeim/im-realtime-service/internal/handler/lp"
	"github.com/latticeim/im-realtime-service/internal/handler/ws"
)

// NewRouter assembles all routes.
func NewRouter(api *httpapi.Handler, wsh *ws.Handler, lph *lp.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	api.Mount(r)
	r.Get("/v1/ws", wsh.ServeHTTP)
	r.Get("/v1/poll", lph.Poll)
	return r
}

var Module = fx.Module("http-server",
	fx.Provide(NewRouter),
	fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, router chi.Router, logger *slog.Logger) {
		srv := &http.Server{
			Addr:              cfg.Server.Addr(),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					logger.Info("http server listening", "addr", srv.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("http server failed", "error", err)
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout())
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			},
		})
	}),
)
