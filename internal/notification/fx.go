package notification

import (
	"context"
	"strings"

	"github.com/smallbiznis/recon/internal/config"
	obsmetrics "github.com/smallbiznis/recon/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notification",
	fx.Provide(NewNotifier),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

// NewNotifier sends through Kafka when brokers are configured and always logs.
func NewNotifier(p Params) (Notifier, error) {
	logNotifier := NewLogNotifier(p.Log, p.Metrics)
	if len(p.Config.KafkaBrokers) == 0 || strings.TrimSpace(p.Config.KafkaTopic) == "" {
		return logNotifier, nil
	}

	client, err := NewKafkaClient(KafkaConfig{
		Brokers:      p.Config.KafkaBrokers,
		Topic:        p.Config.KafkaTopic,
		UseTelemetry: p.Config.KafkaUseTelemetry,
	}, p.Log)
	if err != nil {
		return nil, err
	}
	kafka := NewKafkaNotifier(client, p.Config.KafkaTopic, p.Log, p.Metrics)

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			err := kafka.Flush(ctx)
			client.Close()
			return err
		},
	})
	return Multi{kafka, logNotifier}, nil
}
