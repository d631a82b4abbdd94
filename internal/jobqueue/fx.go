package jobqueue

import (
	"context"
	"sync"

	"github.com/smallbiznis/recon/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("jobqueue",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Provide(func(q *Queue) Scheduler { return q }),
)

// WorkerModule runs the delivery loop for the lifetime of the app.
var WorkerModule = fx.Module("jobqueue.worker",
	fx.Invoke(StartWorker),
)

func ProvideConfig(holder *config.ReconcileConfigHolder) Config {
	return ConfigFrom(holder.Get().JobQueue)
}

func StartWorker(lc fx.Lifecycle, q *Queue) {
	var (
		cancel context.CancelFunc
		wg     sync.WaitGroup
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			wg.Add(1)
			go func() {
				defer wg.Done()
				q.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
