package billing

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("billing.service",
	fx.Provide(New),
	fx.Invoke(runChargePool),
)

func runChargePool(lc fx.Lifecycle, svc *Service) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			svc.pool.start(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					svc.pool.stop()
					cancel()
					return nil
				},
			})
			return nil
		},
	})
}
