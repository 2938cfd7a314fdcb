package renewal

import (
	"go.uber.org/fx"

	"github.com/baulisto/billing/internal/renewal/service"
)

var Module = fx.Module("renewal.service",
	fx.Provide(service.New),
)
