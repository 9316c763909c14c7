package reconciliation

import (
	"github.com/shulehub/shulehub/internal/reconciliation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconciliation",
	fx.Provide(service.NewService),
)
