package dunning

import (
	dunningdomain "github.com/smallbiznis/recon/internal/dunning/domain"
	"github.com/smallbiznis/recon/internal/dunning/repository"
	"github.com/smallbiznis/recon/internal/dunning/service"
	"github.com/smallbiznis/recon/internal/jobqueue"
	"go.uber.org/fx"
)

var Module = fx.Module("dunning",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) dunningdomain.Service { return s }),
	fx.Invoke(func(q *jobqueue.Queue, s *service.Service) {
		q.Register(service.JobKind, s.HandleJob)
	}),
)
