package tenant

import (
	"context"

	tenantdomain "github.com/smallbiznis/tokenledger/internal/tenant/domain"
	"github.com/smallbiznis/tokenledger/internal/tenant/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tenant.directory",
	fx.Provide(service.NewDirectory),
	fx.Provide(func(d *service.Directory) tenantdomain.Directory { return d }),
	fx.Invoke(func(lc fx.Lifecycle, d *service.Directory) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return d.Close()
			},
		})
	}),
)
