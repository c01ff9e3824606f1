package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/authorization"
	"github.com/smallbiznis/rebill/internal/billing"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/internal/invoice"
	"github.com/smallbiznis/rebill/internal/migration"
	"github.com/smallbiznis/rebill/internal/observability"
	"github.com/smallbiznis/rebill/internal/payment"
	"github.com/smallbiznis/rebill/internal/plan"
	"github.com/smallbiznis/rebill/internal/ratelimit"
	"github.com/smallbiznis/rebill/internal/server"
	"github.com/smallbiznis/rebill/internal/subscription"
	"github.com/smallbiznis/rebill/pkg/db"
	"go.uber.org/fx"
)

// API-only process: serves member traffic and webhooks. Renewals,
// cancel finalization and reconciliation run in apps/scheduler.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		ratelimit.Module,
		authorization.Module,
		plan.Module,
		invoice.Module,
		subscription.Module,
		payment.Module,
		billing.Module,
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
