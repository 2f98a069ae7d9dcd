package subscription

import (
	billingeventrepo "github.com/orinchat/billing/internal/billingevent/repository"
	"github.com/orinchat/billing/internal/clock"
	"github.com/orinchat/billing/internal/config"
	"github.com/orinchat/billing/internal/subscription/repository"
	"github.com/orinchat/billing/internal/subscription/service"
	"github.com/orinchat/billing/internal/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(billingeventrepo.Provide),
	fx.Provide(func(cfg config.Config, clk clock.Clock) (*webhook.Verifier, error) {
		return webhook.NewVerifier(cfg.WebhookSecrets, cfg.WebhookTolerance, clk)
	}),
	fx.Provide(service.NewService),
	fx.Provide(service.NewReconciler),
)
