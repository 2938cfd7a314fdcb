package providers

import (
	"go.uber.org/fx"

	"github.com/baulisto/billing/internal/providers/email"
	"github.com/baulisto/billing/internal/providers/pdf"
)

var Module = fx.Module("providers",
	email.Module,
	pdf.Module,
)
