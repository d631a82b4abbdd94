package observability

import (
	"testing"

	"github.com/smallbiznis/recon/internal/config"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig(config.Config{Environment: "production", OtelSamplingRatio: 3})

	if cfg.ServiceName != "recon" {
		t.Fatalf("expected default service name, got %q", cfg.ServiceName)
	}
	if cfg.LogLevel != "info" || cfg.OtelExporterProtocol != "grpc" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.OtelSamplingRatio != 0.1 {
		t.Fatalf("expected out of range ratio to fall back, got %v", cfg.OtelSamplingRatio)
	}
	if cfg.Debug() {
		t.Fatal("production must not be debug")
	}
}

func TestDebugFollowsEnvironmentAndLevel(t *testing.T) {
	if !LoadConfig(config.Config{Environment: "test"}).Debug() {
		t.Fatal("test environment should be debug")
	}
	if !LoadConfig(config.Config{Environment: "production", LogLevel: "debug"}).Debug() {
		t.Fatal("debug level should force debug")
	}
}
