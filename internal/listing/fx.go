package listing

import (
	"go.uber.org/fx"

	"github.com/baulisto/billing/internal/listing/repository"
	"github.com/baulisto/billing/internal/listing/service"
)

var Module = fx.Module("listing.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
