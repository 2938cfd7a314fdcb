// Command billingd is the all-in-one billing service: it applies schema
// migrations, serves the payment webhook and receipt endpoints, and runs the
// promotion sweep loop in-process.
package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/baulisto/billing/internal/clock"
	"github.com/baulisto/billing/internal/config"
	"github.com/baulisto/billing/internal/migration"
	"github.com/baulisto/billing/internal/observability"
	"github.com/baulisto/billing/internal/scheduler"
	"github.com/baulisto/billing/internal/server"
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

		migration.Module,

		// server.Module carries the whole domain graph: ledger, top-ups,
		// payments, promotions, renewals and their supporting modules.
		server.Module,

		// In-process sweep loop. Replicas behind a dedicated sweeper
		// deployment set SCHEDULER_DISABLED=true instead of omitting this.
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
