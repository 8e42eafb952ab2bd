package payment

import (
	"github.com/smallbiznis/tokenledger/internal/payment/adapters"
	"github.com/smallbiznis/tokenledger/internal/payment/adapters/cryptomus"
	"github.com/smallbiznis/tokenledger/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			cryptomus.NewFactory(),
		)
	}),
	fx.Provide(webhook.NewService),
)
