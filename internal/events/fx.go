package events

import (
	"context"

	"github.com/baulisto/billing/internal/config"
	"github.com/nats-io/nats.go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// provideNATS returns nil when no broker is configured; consumers treat a nil
// connection as "outbox only".
func provideNATS(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*nats.Conn, error) {
	if cfg.NATSURL == "" {
		return nil, nil
	}
	conn, err := nats.Connect(cfg.NATSURL,
		nats.Name(cfg.AppName),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			_ = ctx
			return conn.Drain()
		},
	})
	log.Info("connected to nats", zap.String("url", cfg.NATSURL))
	return conn, nil
}

var Module = fx.Module("events",
	fx.Provide(
		provideNATS,
		NewOutbox,
		NewDispatcher,
	),
)
