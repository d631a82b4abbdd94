package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("org_id", "123"),
		attribute.String("subscription_id", "456"),
		attribute.String("feature", "OCR_SCAN"),
		attribute.String("outcome", "succeeded"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "org_id" || attr.Key == "subscription_id" {
			t.Fatalf("high-cardinality label %q was retained", attr.Key)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordUsage(context.Background(), "OCR_SCAN")
	m.RecordDunningTransition(context.Background(), "RETRYING", "WARNING_SENT")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "recon"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordUsageReport(context.Background(), "OCR_SCAN", "succeeded")
	m.RecordNotification(context.Background(), "dunning.warning", "sent")
}
