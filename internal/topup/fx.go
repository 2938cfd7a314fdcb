package topup

import (
	"go.uber.org/fx"

	"github.com/baulisto/billing/internal/topup/repository"
	"github.com/baulisto/billing/internal/topup/service"
)

var Module = fx.Module("topup.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
