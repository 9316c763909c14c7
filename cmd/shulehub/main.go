package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/shulehub/shulehub/internal/allocation"
	"github.com/shulehub/shulehub/internal/audit"
	"github.com/shulehub/shulehub/internal/clock"
	"github.com/shulehub/shulehub/internal/config"
	"github.com/shulehub/shulehub/internal/feecatalog"
	"github.com/shulehub/shulehub/internal/gateway"
	"github.com/shulehub/shulehub/internal/invoice"
	"github.com/shulehub/shulehub/internal/logger"
	"github.com/shulehub/shulehub/internal/migration"
	"github.com/shulehub/shulehub/internal/payment"
	"github.com/shulehub/shulehub/internal/reconciliation"
	"github.com/shulehub/shulehub/internal/scheduler"
	"github.com/shulehub/shulehub/internal/school"
	"github.com/shulehub/shulehub/internal/server"
	"github.com/shulehub/shulehub/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		audit.Module,
		school.Module,
		feecatalog.Module,
		invoice.Module,
		payment.Module,
		gateway.Module,
		allocation.Module,
		reconciliation.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
