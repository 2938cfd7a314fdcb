package alerting

import (
	"go.uber.org/fx"

	"github.com/baulisto/billing/internal/alerting/service"
)

var Module = fx.Module("alerting.service",
	fx.Provide(service.NewService),
)
