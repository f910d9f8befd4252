package runner

import (
	"go.uber.org/fx"
)

var Module = fx.Module("runner",
	fx.Provide(New),
	fx.Invoke(func(lc fx.Lifecycle, r *Runner) {
		lc.Append(fx.Hook{
			OnStart: r.Start,
			OnStop:  r.Stop,
		})
	}),
)
