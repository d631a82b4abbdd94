package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/recon/internal/config"
	dunningdomain "github.com/smallbiznis/recon/internal/dunning/domain"
	"github.com/smallbiznis/recon/internal/jobqueue"
	"github.com/smallbiznis/recon/internal/observability"
	"github.com/smallbiznis/recon/internal/observability/errortracker"
	obsmiddleware "github.com/smallbiznis/recon/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/recon/internal/observability/metrics"
	obstracing "github.com/smallbiznis/recon/internal/observability/tracing"
	"github.com/smallbiznis/recon/internal/processor"
	"github.com/smallbiznis/recon/internal/ratelimit"
	usagedomain "github.com/smallbiznis/recon/internal/usage/domain"
	"github.com/smallbiznis/recon/internal/usage/reporter"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(
		func(q *jobqueue.Queue) DeadJobLister { return q },
		func(r *reporter.Reporter) ReportLister { return r },
	),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// DeadJobLister exposes jobs the queue gave up on.
type DeadJobLister interface {
	ListDead(ctx context.Context, limit int) ([]jobqueue.ScheduledJob, error)
}

// ReportLister exposes usage report attempts by status.
type ReportLister interface {
	ListAttempts(ctx context.Context, limit int, statuses ...usagedomain.ReportStatus) ([]usagedomain.ReportAttempt, error)
}

func NewEngine(log *zap.Logger, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(log.Named("http"), obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(log, obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", srv.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine   *gin.Engine
	log      *zap.Logger
	jobs     DeadJobLister
	reports  ReportLister
	dunning  dunningdomain.Service
	usage    usagedomain.Service
	limiter  *ratelimit.UsageIngestLimiter
	webhooks processor.WebhookVerifier
	tracker  *errortracker.Tracker
}

type ServerParams struct {
	fx.In

	Gin      *gin.Engine
	Log      *zap.Logger
	Jobs     DeadJobLister
	Reports  ReportLister
	Dunning  dunningdomain.Service
	Usage    usagedomain.Service
	Limiter  *ratelimit.UsageIngestLimiter `optional:"true"`
	Webhooks processor.WebhookVerifier     `optional:"true"`
	Tracker  *errortracker.Tracker         `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:   p.Gin,
		log:      p.Log.Named("server"),
		jobs:     p.Jobs,
		reports:  p.Reports,
		dunning:  p.Dunning,
		usage:    p.Usage,
		limiter:  p.Limiter,
		webhooks: p.Webhooks,
		tracker:  p.Tracker,
	}

	svc.registerOpsRoutes()
	svc.registerUsageRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerOpsRoutes() {
	ops := s.engine.Group("/ops")

	// -------- Job queue --------
	ops.GET("/jobs/dead", s.ListDeadJobs)

	// -------- Usage reports --------
	ops.GET("/reports", s.ListReportAttempts)

	// -------- Dunning --------
	ops.GET("/dunning", s.ListDunning)
	ops.GET("/dunning/:subscription_id", s.GetDunning)
	ops.POST("/dunning/:subscription_id/resolve", RequireActor(), s.ResolveDunning)
	ops.POST("/dunning/:subscription_id/suspend", RequireActor(), s.SuspendDunning)
	ops.POST("/dunning/:subscription_id/retry", RequireActor(), s.RetryDunning)
}

func (s *Server) registerUsageRoutes() {
	s.engine.POST("/usage/events", s.IngestUsage)
}

func (s *Server) registerWebhookRoutes() {
	webhooks := s.engine.Group("/webhooks")
	webhooks.POST("/stripe", s.HandleStripeWebhook)
}
