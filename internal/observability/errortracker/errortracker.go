// Package errortracker ships failures that need a human to Sentry.
package errortracker

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/smallbiznis/recon/internal/config"
	obscontext "github.com/smallbiznis/recon/internal/observability/context"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Tracker is safe to use as a nil pointer; captures are then dropped.
type Tracker struct {
	hub *sentry.Hub
}

var Module = fx.Module("errortracker",
	fx.Provide(New),
)

func New(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*Tracker, error) {
	if cfg.SentryDSN == "" {
		log.Info("sentry disabled")
		return &Tracker{}, nil
	}
	tracker, err := NewWithOptions(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		Release:          cfg.AppVersion,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, err
	}
	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				tracker.hub.Flush(2 * time.Second)
				return nil
			},
		})
	}
	return tracker, nil
}

func NewWithOptions(opts sentry.ClientOptions) (*Tracker, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &Tracker{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Capture reports err with the given tags and any correlation ids found in ctx.
func (t *Tracker) Capture(ctx context.Context, err error, tags map[string]string) {
	if t == nil || t.hub == nil || err == nil {
		return
	}
	t.hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			scope.SetTag("request_id", requestID)
		}
		if kind, id := obscontext.ActorFromContext(ctx); id != "" {
			scope.SetExtra("actor", kind+":"+id)
		}
		t.hub.CaptureException(err)
	})
}
