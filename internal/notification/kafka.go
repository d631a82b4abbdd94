package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	obsmetrics "github.com/smallbiznis/recon/internal/observability/metrics"
)

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	UseTelemetry bool
}

func NewKafkaClient(cfg KafkaConfig, log *zap.Logger) (*kgo.Client, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.WithLogger(kgoLogger{log: log.Named("kafka")}),
		kgo.ProducerLinger(0),
	}

	if cfg.UseTelemetry {
		tracer := kotel.NewTracer(
			kotel.TracerProvider(otel.GetTracerProvider()),
			kotel.TracerPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{})),
		)
		meter := kotel.NewMeter(kotel.MeterProvider(otel.GetMeterProvider()))
		k := kotel.NewKotel(kotel.WithTracer(tracer), kotel.WithMeter(meter))
		opts = append(opts, kgo.WithHooks(k.Hooks()...))
	}

	return kgo.NewClient(opts...)
}

// KafkaNotifier produces each message as a JSON record keyed by its ref, so
// messages for one subscription stay ordered within a partition.
type KafkaNotifier struct {
	client  *kgo.Client
	topic   string
	log     *zap.Logger
	metrics *obsmetrics.Metrics
}

func NewKafkaNotifier(client *kgo.Client, topic string, log *zap.Logger, metrics *obsmetrics.Metrics) *KafkaNotifier {
	return &KafkaNotifier{
		client:  client,
		topic:   topic,
		log:     log.Named("notification.kafka"),
		metrics: metrics,
	}
}

func (n *KafkaNotifier) Send(ctx context.Context, msg Message) {
	record, err := encodeRecord(n.topic, msg)
	if err != nil {
		n.log.Error("notification encode failed", zap.String("template_id", msg.TemplateID), zap.Error(err))
		n.record(ctx, msg.TemplateID, "failed")
		return
	}

	// The produce outlives the caller; only trace context is carried over.
	produceCtx := context.WithoutCancel(ctx)
	n.client.Produce(produceCtx, record, func(r *kgo.Record, err error) {
		if err != nil {
			n.log.Error("notification produce failed",
				zap.String("template_id", msg.TemplateID),
				zap.String("ref", msg.Ref),
				zap.Error(err),
			)
			n.record(produceCtx, msg.TemplateID, "failed")
			return
		}
		n.record(produceCtx, msg.TemplateID, "sent")
	})
}

func (n *KafkaNotifier) Flush(ctx context.Context) error {
	return n.client.Flush(ctx)
}

func (n *KafkaNotifier) record(ctx context.Context, template, outcome string) {
	if n.metrics != nil {
		n.metrics.RecordNotification(ctx, template, outcome)
	}
}

func encodeRecord(topic string, msg Message) (*kgo.Record, error) {
	value, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(msg.Ref),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "template_id", Value: []byte(msg.TemplateID)},
		},
	}, nil
}

type kgoLogger struct {
	log *zap.Logger
}

func (l kgoLogger) Level() kgo.LogLevel {
	switch {
	case l.log.Core().Enabled(zap.DebugLevel):
		return kgo.LogLevelDebug
	case l.log.Core().Enabled(zap.InfoLevel):
		return kgo.LogLevelInfo
	default:
		return kgo.LogLevelWarn
	}
}

func (l kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	sugar := l.log.Sugar()
	switch level {
	case kgo.LogLevelError:
		sugar.Errorw(msg, keyvals...)
	case kgo.LogLevelWarn:
		sugar.Warnw(msg, keyvals...)
	case kgo.LogLevelInfo:
		sugar.Infow(msg, keyvals...)
	default:
		sugar.Debugw(msg, keyvals...)
	}
}
