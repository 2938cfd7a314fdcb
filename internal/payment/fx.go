package payment

import (
	"github.com/baulisto/billing/internal/config"
	domain "github.com/baulisto/billing/internal/payment/domain"
	"github.com/baulisto/billing/internal/payment/repository"
	paymentservice "github.com/baulisto/billing/internal/payment/service"
	"github.com/baulisto/billing/internal/payment/stripe"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(ProvideStripeAdapter),
	fx.Provide(ProvideStripeClient),
	fx.Provide(paymentservice.New),
)

// ProvideStripeAdapter returns a nil Adapter when no webhook secret is set;
// the server skips webhook registration in that case.
func ProvideStripeAdapter(cfg config.Config, log *zap.Logger) (domain.Adapter, error) {
	if cfg.Stripe.WebhookSecret == "" {
		log.Named("payment").Warn("stripe webhook secret not configured, webhook intake disabled")
		return nil, nil
	}
	return stripe.NewAdapter(stripe.Config{WebhookSecret: cfg.Stripe.WebhookSecret})
}

// ProvideStripeClient returns a nil API when no key is set; checkout
// creation reports ErrCheckoutNotAvailable without it.
func ProvideStripeClient(cfg config.Config, log *zap.Logger) (stripe.API, error) {
	if cfg.Stripe.APIKey == "" {
		log.Named("payment").Warn("stripe api key not configured, checkout disabled")
		return nil, nil
	}
	return stripe.NewClient(stripe.ClientConfig{
		APIKey:  cfg.Stripe.APIKey,
		BaseURL: cfg.Stripe.BaseURL,
	}), nil
}
