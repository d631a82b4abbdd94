package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{err: gorm.ErrDuplicatedKey, want: true},
		{err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), want: true},
		{err: errors.New("UNIQUE constraint failed: dunning_states.subscription_id"), want: true},
		{err: &pgconn.PgError{Code: "40001"}, want: false},
		{err: nil, want: false},
	}
	for _, tc := range cases {
		if got := IsDuplicateKeyErr(tc.err); got != tc.want {
			t.Fatalf("IsDuplicateKeyErr(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestIsRetryableErr(t *testing.T) {
	if !IsRetryableErr(&pgconn.PgError{Code: "55P03"}) {
		t.Fatalf("lock timeout must be retryable")
	}
	if IsRetryableErr(errors.New("boom")) {
		t.Fatalf("plain errors are not retryable")
	}
}

func TestDialectRejectsUnknownType(t *testing.T) {
	if _, err := Dialect(Config{Type: "oracle"}); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
	d, err := Dialect(Config{Type: "sqlite", Name: "file::memory:"})
	if err != nil {
		t.Fatalf("sqlite dialect: %v", err)
	}
	if d.Name() != "sqlite" {
		t.Fatalf("expected sqlite dialector, got %s", d.Name())
	}
}
