package reporter

import (
	"github.com/smallbiznis/recon/internal/jobqueue"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.reporter",
	fx.Provide(New),
	fx.Invoke(func(q *jobqueue.Queue, r *Reporter) {
		q.Register(JobKind, r.HandleJob)
	}),
)
