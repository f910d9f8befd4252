package registry

import (
	"context"
	"time"

	"go.uber.org/fx"

	"github.com/latticeim/im-realtime-service/internal/domain/model"
)

var Module = fx.Module("registry",
	fx.Provide(
		func(policy model.AccessPolicy) *Hub {
			return NewHub(policy,
				WithEvictionInterval(15*time.Minute),
				WithIdleTimeout(30*time.Minute),
				WithMailboxSize(2048),
			)
		},
		fx.Annotate(
			func(h *Hub) Hubber { return h },
			fx.As(new(Hubber)),
		),
	),
	fx.Invoke(func(lc fx.Lifecycle, h Hubber) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				h.Shutdown()
				return nil
			},
		})
	}),
)
