package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recon/internal/clock"
	"github.com/smallbiznis/recon/internal/config"
	"github.com/smallbiznis/recon/internal/dunning"
	"github.com/smallbiznis/recon/internal/jobqueue"
	"github.com/smallbiznis/recon/internal/lock"
	"github.com/smallbiznis/recon/internal/notification"
	"github.com/smallbiznis/recon/internal/observability"
	"github.com/smallbiznis/recon/internal/processor/stripe"
	"github.com/smallbiznis/recon/internal/scheduler"
	"github.com/smallbiznis/recon/internal/subscription"
	"github.com/smallbiznis/recon/internal/usage"
	"github.com/smallbiznis/recon/internal/usage/aggregator"
	"github.com/smallbiznis/recon/internal/usage/reporter"
	"github.com/smallbiznis/recon/pkg/db"
	"go.uber.org/fx"
)

// Headless worker: sweeps and job delivery without the ops server.
// Migrations are left to cmd/recon.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lock.Module,

		jobqueue.Module,
		jobqueue.WorkerModule,
		notification.Module,
		stripe.Module,

		// Domain services required by scheduler and job handlers
		usage.Module,
		aggregator.Module,
		reporter.Module,
		subscription.Module,
		dunning.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
