package rate

import "go.uber.org/fx"

var Module = fx.Module("rate",
	fx.Provide(NewSource),
)
