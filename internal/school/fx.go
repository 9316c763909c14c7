package school

import (
	"github.com/shulehub/shulehub/internal/school/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("school",
	fx.Provide(repository.Provide),
)
