package scheduler

import (
	"context"

	"github.com/smallbiznis/recon/internal/config"
	"github.com/smallbiznis/recon/internal/usage/aggregator"
	"github.com/smallbiznis/recon/internal/usage/reporter"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(
		func(a *aggregator.Aggregator) UsageAggregator { return a },
		func(r *reporter.Reporter) UsageReporter { return r },
	),
	fx.Provide(New),
	fx.Invoke(StartScheduler),
)

func ProvideConfig(cfg config.Config, holder *config.ReconcileConfigHolder) Config {
	c := ConfigFrom(holder.Get())
	c.EnabledJobs = cfg.SchedulerJobs
	return c
}

func StartScheduler(lc fx.Lifecycle, sched *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				sched.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
