package gateway

import (
	"net/http"
	"time"

	"github.com/shulehub/shulehub/internal/config"
	"github.com/shulehub/shulehub/internal/gateway/adapters"
	"github.com/shulehub/shulehub/internal/gateway/adapters/paynow"
	"github.com/shulehub/shulehub/internal/gateway/adapters/stripe"
	"github.com/shulehub/shulehub/internal/gateway/service"
	"github.com/shulehub/shulehub/internal/gateway/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("gateway",
	fx.Provide(
		NewHTTPClient,
		NewRegistry,
		service.NewService,
		webhook.NewService,
	),
)

func NewHTTPClient(cfg config.Config) *http.Client {
	timeout := time.Duration(cfg.GatewayTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func NewRegistry(client *http.Client) *adapters.Registry {
	return adapters.NewRegistry(
		paynow.NewFactory(client),
		stripe.NewFactory(client),
	)
}
