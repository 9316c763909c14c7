package feecatalog

import (
	"github.com/shulehub/shulehub/internal/feecatalog/service"
	"go.uber.org/fx"
)

var Module = fx.Module("feecatalog.service",
	fx.Provide(service.NewService),
)
