package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SchedulerJobReasonDeadlineExceeded},
		{name: "wrapped deadline", err: fmt.Errorf("report_usage: %w", context.DeadlineExceeded), want: SchedulerJobReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SchedulerJobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: SchedulerJobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SchedulerJobReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: SchedulerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestClassifySchedulerErrorType(t *testing.T) {
	if got := ClassifySchedulerErrorType(&pgconn.PgError{Code: "40001"}); got != SchedulerErrorTypeDB {
		t.Fatalf("expected db, got %q", got)
	}
	if got := ClassifySchedulerErrorType(errors.New("quota missing")); got != SchedulerErrorTypeBusinessRule {
		t.Fatalf("expected business_rule, got %q", got)
	}
	if IsSchedulerErrorRetryable(gorm.ErrRecordNotFound) {
		t.Fatalf("record not found must not be retryable")
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{ServiceName: "recon", Environment: "test"})

	metrics.AddBatchProcessed("aggregate_usage", "pairs", 3)
	metrics.AddBatchProcessed("aggregate_usage", "pairs", 0)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("aggregate_usage", "pairs"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}
