// Package stripe implements the processor contract against a Stripe
// compatible HTTP API.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/smallbiznis/recon/internal/config"
	"github.com/smallbiznis/recon/internal/processor"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.stripe.com"
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 20
)

type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	RetryMax      int
	Timeout       time.Duration
}

func NewConfig(cfg config.Config) Config {
	return Config{
		BaseURL:       cfg.ProcessorBaseURL,
		APIKey:        cfg.ProcessorAPIKey,
		WebhookSecret: cfg.WebhookSecret,
		RetryMax:      cfg.ProcessorRetryMax,
	}
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

type Client struct {
	cfg  Config
	http *retryablehttp.Client
	log  *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	log = log.Named("processor.stripe")

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = leveledLogger{log: log.Sugar()}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{cfg: cfg, http: rc, log: log}
}

// ReportUsage posts an increment usage record. The idempotency key makes a
// replayed call return the original record instead of adding quantity twice.
func (c *Client) ReportUsage(ctx context.Context, record processor.UsageRecord) (string, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return "", processor.ErrNotConfigured
	}
	if strings.TrimSpace(record.SubscriptionItemRef) == "" {
		return "", processor.Permanent("missing_subscription_item", "subscription item reference is empty")
	}

	form := url.Values{}
	form.Set("quantity", strconv.FormatInt(record.Quantity, 10))
	form.Set("timestamp", strconv.FormatInt(record.Timestamp.Unix(), 10))
	form.Set("action", "increment")

	path := fmt.Sprintf("/v1/subscription_items/%s/usage_records", url.PathEscape(record.SubscriptionItemRef))
	var out usageRecordResponse
	if err := c.do(ctx, http.MethodPost, path, form, record.IdempotencyKey, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", processor.Transient("empty_response", "usage record response has no id")
	}
	return out.ID, nil
}

// RetryLatestInvoice pays the latest open invoice of a subscription.
func (c *Client) RetryLatestInvoice(ctx context.Context, subscriptionRef string) (processor.InvoiceRetryResult, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return processor.InvoiceRetryResult{}, processor.ErrNotConfigured
	}
	if strings.TrimSpace(subscriptionRef) == "" {
		return processor.InvoiceRetryResult{}, processor.Permanent("missing_subscription", "subscription reference is empty")
	}

	var sub subscriptionResponse
	if err := c.do(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(subscriptionRef), nil, "", &sub); err != nil {
		return processor.InvoiceRetryResult{}, err
	}
	if sub.LatestInvoice == "" {
		return processor.InvoiceRetryResult{}, processor.Permanent("no_latest_invoice", "subscription has no invoice to retry")
	}

	var inv invoiceResponse
	err := c.do(ctx, http.MethodPost, "/v1/invoices/"+url.PathEscape(sub.LatestInvoice)+"/pay", url.Values{}, "", &inv)
	if err != nil {
		var perr *processor.Error
		if errors.As(err, &perr) && perr.StatusCode == http.StatusPaymentRequired {
			return processor.InvoiceRetryResult{
				Paid:           false,
				InvoiceRef:     sub.LatestInvoice,
				FailureCode:    perr.Code,
				FailureMessage: perr.Message,
			}, nil
		}
		return processor.InvoiceRetryResult{}, err
	}

	return processor.InvoiceRetryResult{
		Paid:       inv.Status == "paid",
		InvoiceRef: inv.ID,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return processor.Permanent("invalid_request", err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &processor.Error{Kind: processor.KindTransient, Code: "network", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &processor.Error{Kind: processor.KindTransient, Code: "network", Message: err.Error(), StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return processor.Transient("invalid_response", err.Error())
		}
		return nil
	}
	return classify(resp.StatusCode, raw)
}

func classify(status int, raw []byte) *processor.Error {
	var envelope errorEnvelope
	_ = json.Unmarshal(raw, &envelope)

	code := envelope.Error.Code
	if envelope.Error.DeclineCode != "" {
		code = envelope.Error.DeclineCode
	}
	if code == "" {
		code = envelope.Error.Type
	}
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
	message := envelope.Error.Message
	if message == "" {
		message = http.StatusText(status)
	}

	kind := processor.KindPermanent
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status == http.StatusConflict && code == "lock_timeout",
		status >= 500:
		kind = processor.KindTransient
	}
	return &processor.Error{Kind: kind, Code: code, Message: message, StatusCode: status}
}

type usageRecordResponse struct {
	ID string `json:"id"`
}

type subscriptionResponse struct {
	ID            string `json:"id"`
	LatestInvoice string `json:"latest_invoice"`
}

type invoiceResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorEnvelope struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"error"`
}

// leveledLogger routes retryablehttp logs into zap.
type leveledLogger struct {
	log *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...any) { l.log.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...any)  { l.log.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...any) { l.log.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...any)  { l.log.Warnw(msg, kv...) }
