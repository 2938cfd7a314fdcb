package cloudmetrics

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const pushInterval = 30 * time.Minute

var Module = fx.Module("cloud.metrics",
	fx.Provide(NewPusher),
	fx.Provide(New),
	fx.Invoke(runPushLoop),
)

func runPushLoop(lc fx.Lifecycle, c *CloudMetrics, log *zap.Logger, db *gorm.DB) {
	if c == nil {
		return
	}
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("starting cloud metrics push loop")
			go func() {
				ticker := time.NewTicker(pushInterval)
				defer ticker.Stop()

				pushOnce(ctx, c, log, db)
				for {
					select {
					case <-ticker.C:
						pushOnce(ctx, c, log, db)
					case <-ctx.Done():
						log.Info("stopping cloud metrics push loop")
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func pushOnce(ctx context.Context, c *CloudMetrics, log *zap.Logger, db *gorm.DB) {
	if err := c.Collect(ctx, db); err != nil {
		log.Warn("cloud metrics collect failed", zap.Error(err))
	}
	if err := c.Push(ctx); err != nil {
		log.Warn("cloud metrics push failed", zap.Error(err))
	}
}
