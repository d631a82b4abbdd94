// Package processor is the contract with the external payment processor that
// receives metered usage and collects invoices.
package processor

//go:generate mockgen -destination=mocks/client_mock.go -package=mocks github.com/smallbiznis/recon/internal/processor Client

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// UsageRecord is one metered quantity delivered against a subscription item.
type UsageRecord struct {
	SubscriptionItemRef string
	Quantity            int64
	Timestamp           time.Time
	IdempotencyKey      string
}

// InvoiceRetryResult is the outcome of collecting a subscription's latest
// invoice. A declined payment is a result, not an error.
type InvoiceRetryResult struct {
	Paid           bool
	InvoiceRef     string
	FailureCode    string
	FailureMessage string
}

type Client interface {
	ReportUsage(ctx context.Context, record UsageRecord) (string, error)
	RetryLatestInvoice(ctx context.Context, subscriptionRef string) (InvoiceRetryResult, error)
}

type EventType string

const (
	EventPaymentFailed    EventType = "payment_failed"
	EventPaymentSucceeded EventType = "payment_succeeded"
)

// PaymentEvent is a normalized processor webhook.
type PaymentEvent struct {
	Provider        string
	EventID         string
	Type            EventType
	SubscriptionRef string
	InvoiceRef      string
	FailureMessage  string
	OccurredAt      time.Time
}

// WebhookVerifier authenticates and decodes processor webhooks.
type WebhookVerifier interface {
	Verify(payload []byte, headers http.Header) error
	Parse(payload []byte) (*PaymentEvent, error)
}

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrEventIgnored     = errors.New("event_ignored")
	ErrNotConfigured    = errors.New("processor_not_configured")
)
