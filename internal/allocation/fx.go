package allocation

import (
	"github.com/shulehub/shulehub/internal/allocation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("allocation",
	fx.Provide(service.NewService),
)
