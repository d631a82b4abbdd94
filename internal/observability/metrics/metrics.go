package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	usageRecorded      metric.Int64Counter
	usageReports       metric.Int64Counter
	dunningTransitions metric.Int64Counter
	notifications      metric.Int64Counter
	paymentEvents      metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "recon"
	}
	meter := provider.Meter(name)

	usageRecorded, err := meter.Int64Counter("recon_usage_recorded_total")
	if err != nil {
		return nil, err
	}
	usageReports, err := meter.Int64Counter("recon_usage_reports_total")
	if err != nil {
		return nil, err
	}
	dunningTransitions, err := meter.Int64Counter("recon_dunning_transitions_total")
	if err != nil {
		return nil, err
	}
	notifications, err := meter.Int64Counter("recon_notifications_total")
	if err != nil {
		return nil, err
	}
	paymentEvents, err := meter.Int64Counter("recon_payment_events_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		usageRecorded:      usageRecorded,
		usageReports:       usageReports,
		dunningTransitions: dunningTransitions,
		notifications:      notifications,
		paymentEvents:      paymentEvents,
	}, nil
}

// RecordUsage counts recorded usage events per feature.
func (m *Metrics) RecordUsage(ctx context.Context, feature string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("feature", strings.TrimSpace(feature)))
	m.usageRecorded.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUsageReport counts report attempts by outcome (succeeded, failed, requires_action, abandoned).
func (m *Metrics) RecordUsageReport(ctx context.Context, feature, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("feature", strings.TrimSpace(feature)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.usageReports.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordDunningTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from_state", strings.TrimSpace(from)),
		attribute.String("to_state", strings.TrimSpace(to)),
	)
	m.dunningTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordNotification(ctx context.Context, template, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("template", strings.TrimSpace(template)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.notifications.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPaymentEvent increments payment event counts.
func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.paymentEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"feature":     {},
	"outcome":     {},
	"from_state":  {},
	"to_state":    {},
	"template":    {},
	"provider":    {},
	"event_type":  {},
	"endpoint":    {},
	"status_code": {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
