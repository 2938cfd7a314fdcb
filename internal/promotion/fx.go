package promotion

import (
	"go.uber.org/fx"

	"github.com/baulisto/billing/internal/promotion/repository"
	"github.com/baulisto/billing/internal/promotion/service"
)

var Module = fx.Module("promotion.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
