// Command sweeper runs the promotion sweep jobs without the HTTP server.
// By default it loops forever; with RUN_ONCE=true it performs a single pass
// and exits, so an external cron can drive it instead.
package main

import (
	"context"
	"os"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/baulisto/billing/internal/alerting"
	"github.com/baulisto/billing/internal/audit"
	"github.com/baulisto/billing/internal/clock"
	"github.com/baulisto/billing/internal/config"
	"github.com/baulisto/billing/internal/events"
	"github.com/baulisto/billing/internal/ledger"
	"github.com/baulisto/billing/internal/listing"
	"github.com/baulisto/billing/internal/notification"
	"github.com/baulisto/billing/internal/observability"
	"github.com/baulisto/billing/internal/organization"
	"github.com/baulisto/billing/internal/promotion"
	"github.com/baulisto/billing/internal/providers"
	"github.com/baulisto/billing/internal/renewal"
	"github.com/baulisto/billing/internal/scheduler"
	"github.com/baulisto/billing/pkg/db"
	"github.com/baulisto/billing/pkg/redisconn"
	"github.com/baulisto/billing/pkg/telemetry"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		telemetry.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		redisconn.Module,
		clock.Module,

		// The loop is driven from RunSweeper below rather than from
		// scheduler.Module, so RUN_ONCE can short-circuit it.
		fx.Provide(scheduler.ProvideConfig, scheduler.New),

		// Domain services the sweeps call into.
		promotion.Module,
		renewal.Module,
		ledger.Module,
		organization.Module,
		notification.Module,
		alerting.Module,

		// Transitive dependencies: promotions need listings, notifications
		// need the email provider, audits and outbox events feed the trail.
		listing.Module,
		providers.Module,
		events.Module,
		audit.Module,

		// No server module.
		fx.Invoke(RunSweeper),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}

// RunSweeper starts the sweep loop, or a single pass when RUN_ONCE is set.
// A failed one-shot pass exits non-zero so cron surfaces it.
func RunSweeper(lc fx.Lifecycle, shutdowner fx.Shutdowner, sched *scheduler.Scheduler, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go func() {
				if runOnceRequested() {
					code := 0
					if err := sched.RunOnce(ctx); err != nil {
						log.Error("sweep failed", zap.Error(err))
						code = 1
					}
					_ = shutdowner.Shutdown(fx.ExitCode(code))
					return
				}
				sched.RunForever(ctx)
			}()

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}

func runOnceRequested() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("RUN_ONCE"))) {
	case "1", "true", "yes":
		return true
	}
	return false
}
