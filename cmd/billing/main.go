package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/orinchat/billing/internal/clock"
	"github.com/orinchat/billing/internal/config"
	"github.com/orinchat/billing/internal/migration"
	"github.com/orinchat/billing/internal/observability"
	"github.com/orinchat/billing/internal/providers/payment"
	"github.com/orinchat/billing/internal/ratelimit"
	"github.com/orinchat/billing/internal/server"
	"github.com/orinchat/billing/internal/subscription"
	"github.com/orinchat/billing/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,

		// Billing domains
		payment.Module,
		subscription.Module,

		// HTTP surface
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
