package payment

import "go.uber.org/fx"

var Module = fx.Module("payment",
	fx.Provide(NewClient),
)
