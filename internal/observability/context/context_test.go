package context

import (
	"context"
	"testing"
)

func TestCorrelationRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), " req-1 ")
	ctx = WithOrgID(ctx, "42")
	ctx = WithActor(ctx, "operator", "ops@example.com")

	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("expected trimmed request id, got %q", got)
	}
	if got := OrgIDFromContext(ctx); got != "42" {
		t.Fatalf("expected org id 42, got %q", got)
	}
	kind, id := ActorFromContext(ctx)
	if kind != "operator" || id != "ops@example.com" {
		t.Fatalf("unexpected actor %q/%q", kind, id)
	}
}

func TestEmptyContextHasNoActor(t *testing.T) {
	kind, id := ActorFromContext(context.Background())
	if kind != "" || id != "" {
		t.Fatalf("expected empty actor, got %q/%q", kind, id)
	}
}
