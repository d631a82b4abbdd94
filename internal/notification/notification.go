// Package notification delivers templated messages to customers. Delivery is
// fire-and-forget: a failed send is logged and counted, never returned.
package notification

import (
	"context"
	"time"

	obsmetrics "github.com/smallbiznis/recon/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	TemplateDunningWarning        = "dunning.warning"
	TemplateDunningActionRequired = "dunning.action_required"
	TemplateDunningFinalWarning   = "dunning.final_warning"
	TemplateDunningSuspended      = "dunning.suspended"
	TemplateDunningResolved       = "dunning.resolved"
)

type Message struct {
	TemplateID string         `json:"template_id"`
	Ref        string         `json:"ref"`
	OrgID      string         `json:"org_id,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	SentAt     time.Time      `json:"sent_at"`
}

type Notifier interface {
	Send(ctx context.Context, msg Message)
}

// LogNotifier writes messages to the log. It is the fallback when no broker is configured.
type LogNotifier struct {
	log     *zap.Logger
	metrics *obsmetrics.Metrics
}

func NewLogNotifier(log *zap.Logger, metrics *obsmetrics.Metrics) *LogNotifier {
	return &LogNotifier{log: log.Named("notification.log"), metrics: metrics}
}

func (n *LogNotifier) Send(ctx context.Context, msg Message) {
	n.log.Info("notification",
		zap.String("template_id", msg.TemplateID),
		zap.String("ref", msg.Ref),
		zap.String("org_id", msg.OrgID),
		zap.Any("context", msg.Context),
	)
	if n.metrics != nil {
		n.metrics.RecordNotification(ctx, msg.TemplateID, "logged")
	}
}

// Multi fans a message out to every notifier.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, msg Message) {
	for _, n := range m {
		if n != nil {
			n.Send(ctx, msg)
		}
	}
}
