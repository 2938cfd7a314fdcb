package config

import "go.uber.org/fx"

// Module wires application config and the hot-reloadable billing policy.
var Module = fx.Module("config",
	fx.Provide(
		Load,
		NewBillingConfigHolder,
	),
)
