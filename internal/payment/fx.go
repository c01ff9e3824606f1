package payment

import (
	"context"

	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/internal/payment/dedup"
	"github.com/smallbiznis/rebill/internal/payment/domain"
	"github.com/smallbiznis/rebill/internal/payment/gateway"
	"github.com/smallbiznis/rebill/internal/payment/recorder"
	"github.com/smallbiznis/rebill/internal/payment/repository"
	"github.com/smallbiznis/rebill/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(gateway.New),
	fx.Provide(dedup.Provide),
	fx.Provide(recorder.New),
	fx.Provide(webhook.NewService),
	fx.Provide(func(s *webhook.Service) domain.WebhookService { return s }),
	fx.Invoke(runWebhookWorkers),
)

func runWebhookWorkers(lc fx.Lifecycle, svc *webhook.Service, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			svc.Start(ctx, cfg.WebhookWorkers)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					svc.Stop()
					cancel()
					return nil
				},
			})
			return nil
		},
	})
}
