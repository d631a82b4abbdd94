package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/recon/internal/processor"
)

const signatureTolerance = 5 * time.Minute

// Webhook verifies and parses Stripe invoice events.
type Webhook struct {
	secret string
	now    func() time.Time
}

func NewWebhook(cfg Config) *Webhook {
	return &Webhook{
		secret: strings.TrimSpace(cfg.WebhookSecret),
		now:    time.Now,
	}
}

func (w *Webhook) Verify(payload []byte, headers http.Header) error {
	if w.secret == "" {
		return processor.ErrNotConfigured
	}
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return processor.ErrInvalidSignature
	}

	ts, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return processor.ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return processor.ErrInvalidSignature
	}
	if math.Abs(w.now().Sub(time.Unix(unix, 0)).Seconds()) > signatureTolerance.Seconds() {
		return processor.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", ts, string(payload))
	mac := hmac.New(sha256.New, []byte(w.secret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return processor.ErrInvalidSignature
}

func (w *Webhook) Parse(payload []byte) (*processor.PaymentEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, processor.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, processor.ErrInvalidPayload
	}

	var eventType processor.EventType
	switch strings.TrimSpace(event.Type) {
	case "invoice.payment_failed":
		eventType = processor.EventPaymentFailed
	case "invoice.paid", "invoice.payment_succeeded":
		eventType = processor.EventPaymentSucceeded
	default:
		return nil, processor.ErrEventIgnored
	}

	var inv stripeInvoice
	if err := json.Unmarshal(event.Data.Object, &inv); err != nil {
		return nil, processor.ErrInvalidPayload
	}
	if strings.TrimSpace(inv.Subscription) == "" {
		return nil, processor.ErrEventIgnored
	}

	out := &processor.PaymentEvent{
		Provider:        "stripe",
		EventID:         event.ID,
		Type:            eventType,
		SubscriptionRef: strings.TrimSpace(inv.Subscription),
		InvoiceRef:      strings.TrimSpace(inv.ID),
		OccurredAt:      timestamp(inv.Created, event.Created),
	}
	if eventType == processor.EventPaymentFailed {
		out.FailureMessage = "invoice payment failed"
		if inv.LastFinalizationError != nil && inv.LastFinalizationError.Message != "" {
			out.FailureMessage = inv.LastFinalizationError.Message
		}
	}
	return out, nil
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeInvoice struct {
	ID                    string `json:"id"`
	Subscription          string `json:"subscription"`
	Status                string `json:"status"`
	Created               int64  `json:"created"`
	LastFinalizationError *struct {
		Message string `json:"message"`
	} `json:"last_finalization_error"`
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var ts string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			ts = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if ts == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return ts, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}
