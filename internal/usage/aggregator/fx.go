package aggregator

import (
	"github.com/smallbiznis/recon/internal/jobqueue"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.aggregator",
	fx.Provide(New),
	fx.Invoke(func(q *jobqueue.Queue, a *Aggregator) {
		q.Register(JobKind, a.HandleJob)
	}),
)
