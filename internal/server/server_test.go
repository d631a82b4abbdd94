package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/recon/internal/config"
	dunningdomain "github.com/smallbiznis/recon/internal/dunning/domain"
	"github.com/smallbiznis/recon/internal/jobqueue"
	"github.com/smallbiznis/recon/internal/observability"
	"github.com/smallbiznis/recon/internal/processor"
	"github.com/smallbiznis/recon/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/recon/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/recon/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeJobs struct {
	dead []jobqueue.ScheduledJob
}

func (f *fakeJobs) ListDead(_ context.Context, limit int) ([]jobqueue.ScheduledJob, error) {
	if len(f.dead) > limit {
		return f.dead[:limit], nil
	}
	return f.dead, nil
}

type fakeReports struct {
	statuses []usagedomain.ReportStatus
	attempts []usagedomain.ReportAttempt
}

func (f *fakeReports) ListAttempts(_ context.Context, _ int, statuses ...usagedomain.ReportStatus) ([]usagedomain.ReportAttempt, error) {
	f.statuses = statuses
	return f.attempts, nil
}

// fakeDunning implements the handful of service calls the handlers make.
type fakeDunning struct {
	dunningdomain.Service
	states    map[snowflake.ID]*dunningdomain.DunningState
	listed    []dunningdomain.State
	lastActor string
	events    []processor.PaymentEvent
	eventErr  error
}

func newFakeDunning() *fakeDunning {
	return &fakeDunning{states: make(map[snowflake.ID]*dunningdomain.DunningState)}
}

func (f *fakeDunning) Get(_ context.Context, id snowflake.ID) (*dunningdomain.DunningState, error) {
	state, ok := f.states[id]
	if !ok {
		return nil, dunningdomain.ErrNotFound
	}
	return state, nil
}

func (f *fakeDunning) List(_ context.Context, _ int, states ...dunningdomain.State) ([]dunningdomain.DunningState, error) {
	f.listed = states
	var out []dunningdomain.DunningState
	for _, s := range f.states {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeDunning) ManualResolve(ctx context.Context, id snowflake.ID, actor, _ string) (*dunningdomain.DunningState, error) {
	state, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	f.lastActor = actor
	state.State = dunningdomain.StateResolved
	return state, nil
}

func (f *fakeDunning) ManualSuspend(ctx context.Context, id snowflake.ID, actor, _ string) (*dunningdomain.DunningState, error) {
	state, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if state.State == dunningdomain.StateResolved {
		return nil, dunningdomain.ErrInvalidTransition
	}
	f.lastActor = actor
	state.State = dunningdomain.StateSuspended
	return state, nil
}

func (f *fakeDunning) ManualRetry(ctx context.Context, id snowflake.ID, actor string) (*dunningdomain.DunningState, error) {
	f.lastActor = actor
	return f.Get(ctx, id)
}

func (f *fakeDunning) HandlePaymentEvent(_ context.Context, event processor.PaymentEvent) error {
	f.events = append(f.events, event)
	return f.eventErr
}

type fakeUsage struct {
	requests []usagedomain.RecordRequest
}

func (f *fakeUsage) Record(_ context.Context, req usagedomain.RecordRequest) (*usagedomain.UsageEvent, error) {
	if req.OrgID == 0 {
		return nil, usagedomain.ErrInvalidOrganization
	}
	if req.Quantity <= 0 {
		return nil, usagedomain.ErrInvalidQuantity
	}
	f.requests = append(f.requests, req)
	return &usagedomain.UsageEvent{
		ID:             snowflake.ID(len(f.requests)),
		OrgID:          req.OrgID,
		Feature:        req.Feature,
		Quantity:       req.Quantity,
		Timestamp:      req.Timestamp,
		IdempotencyKey: req.IdempotencyKey,
	}, nil
}

type fakeWebhook struct {
	verifyErr error
	event     *processor.PaymentEvent
	parseErr  error
}

func (f *fakeWebhook) Verify([]byte, http.Header) error { return f.verifyErr }

func (f *fakeWebhook) Parse([]byte) (*processor.PaymentEvent, error) {
	return f.event, f.parseErr
}

type testServer struct {
	engine  *gin.Engine
	jobs    *fakeJobs
	reports *fakeReports
	dunning *fakeDunning
	usage   *fakeUsage
	webhook *fakeWebhook
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithLimiter(t, nil)
}

func newTestServerWithLimiter(t *testing.T, limiter *ratelimit.UsageIngestLimiter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{
		engine:  NewEngine(zap.NewNop(), observability.LoadConfig(config.Config{Environment: "test"}), nil),
		jobs:    &fakeJobs{},
		reports: &fakeReports{},
		dunning: newFakeDunning(),
		usage:   &fakeUsage{},
		webhook: &fakeWebhook{},
	}
	NewServer(ServerParams{
		Gin:      ts.engine,
		Log:      zap.NewNop(),
		Jobs:     ts.jobs,
		Reports:  ts.reports,
		Dunning:  ts.dunning,
		Usage:    ts.usage,
		Limiter:  limiter,
		Webhooks: ts.webhook,
	})
	return ts
}

func (ts *testServer) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	ts.engine.ServeHTTP(resp, req)
	return resp
}

func (ts *testServer) seedState(id snowflake.ID, state dunningdomain.State) {
	ts.dunning.states[id] = &dunningdomain.DunningState{
		ID:             id + 1,
		SubscriptionID: id,
		OrgID:          7,
		State:          state,
		FailedAt:       time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC),
		Version:        1,
	}
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body.Error
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"status":"ok"}`, resp.Body.String())
	assert.NotEmpty(t, resp.Header().Get("X-Request-Id"))
}

func TestListDeadJobs(t *testing.T) {
	ts := newTestServer(t)
	lastErr := "processor down"
	ts.jobs.dead = []jobqueue.ScheduledJob{
		{JobKey: "dunning:42", Kind: "dunning.retry", Attempts: 10, Status: jobqueue.StatusDead, LastError: &lastErr},
	}

	resp := ts.do(http.MethodGet, "/ops/jobs/dead", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		Data []deadJobResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "dunning:42", body.Data[0].Key)
	assert.Equal(t, 10, body.Data[0].Attempts)
}

func TestListDeadJobsRejectsBadLimit(t *testing.T) {
	ts := newTestServer(t)
	for _, limit := range []string{"0", "abc", "501"} {
		resp := ts.do(http.MethodGet, "/ops/jobs/dead?limit="+limit, nil, nil)
		assert.Equal(t, http.StatusBadRequest, resp.Code, limit)
	}
}

func TestListReportAttemptsFiltersByStatus(t *testing.T) {
	ts := newTestServer(t)
	kind := usagedomain.ErrorKindPermanent
	ts.reports.attempts = []usagedomain.ReportAttempt{{
		ID:             1,
		OrgID:          2,
		Feature:        usagedomain.Feature("api_calls"),
		IdempotencyKey: "usage:2:api_calls:a:b:n",
		Quantity:       25,
		Status:         usagedomain.ReportStatusRequiresAction,
		ErrorKind:      &kind,
	}}

	resp := ts.do(http.MethodGet, "/ops/reports?status=requires_action,FAILED&status=FAILED", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, []usagedomain.ReportStatus{
		usagedomain.ReportStatusRequiresAction,
		usagedomain.ReportStatusFailed,
	}, ts.reports.statuses)

	var body struct {
		Data []reportAttemptResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "2", body.Data[0].OrgID)
	require.NotNil(t, body.Data[0].ErrorKind)
	assert.Equal(t, "permanent", *body.Data[0].ErrorKind)
}

func TestListReportAttemptsRejectsUnknownStatus(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(http.MethodGet, "/ops/reports?status=LOST", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.Code)
	payload := decodeError(t, resp)
	assert.Equal(t, "validation_error", payload.Type)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "status", payload.Errors[0].Field)
}

func TestListDunningFiltersByState(t *testing.T) {
	ts := newTestServer(t)
	ts.seedState(100, dunningdomain.StateSuspended)

	resp := ts.do(http.MethodGet, "/ops/dunning?state=SUSPENDED", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, []dunningdomain.State{dunningdomain.StateSuspended}, ts.dunning.listed)

	resp = ts.do(http.MethodGet, "/ops/dunning?state=GONE", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestGetDunning(t *testing.T) {
	ts := newTestServer(t)
	ts.seedState(100, dunningdomain.StateWarningSent)

	resp := ts.do(http.MethodGet, "/ops/dunning/100", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		Data dunningResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "100", body.Data.SubscriptionID)
	assert.Equal(t, "WARNING_SENT", body.Data.State)

	resp = ts.do(http.MethodGet, "/ops/dunning/999", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = ts.do(http.MethodGet, "/ops/dunning/not-an-id", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestManualActionsRequireActor(t *testing.T) {
	ts := newTestServer(t)
	ts.seedState(100, dunningdomain.StateRetrying)

	for _, action := range []string{"resolve", "suspend", "retry"} {
		resp := ts.do(http.MethodPost, "/ops/dunning/100/"+action, nil, nil)
		assert.Equal(t, http.StatusBadRequest, resp.Code, action)
	}
	assert.Equal(t, dunningdomain.StateRetrying, ts.dunning.states[100].State)
}

func TestManualResolvePassesActor(t *testing.T) {
	ts := newTestServer(t)
	ts.seedState(100, dunningdomain.StateActionRequired)

	resp := ts.do(http.MethodPost, "/ops/dunning/100/resolve",
		[]byte(`{"note":"paid by bank transfer"}`),
		map[string]string{"X-Actor": "jane@ops"},
	)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "jane@ops", ts.dunning.lastActor)
	assert.Equal(t, dunningdomain.StateResolved, ts.dunning.states[100].State)
}

func TestManualSuspendOfResolvedConflicts(t *testing.T) {
	ts := newTestServer(t)
	ts.seedState(100, dunningdomain.StateResolved)

	resp := ts.do(http.MethodPost, "/ops/dunning/100/suspend",
		[]byte(`{"reason":"chargeback"}`),
		map[string]string{"X-Actor": "jane@ops"},
	)
	require.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "conflict", decodeError(t, resp).Type)
}

func TestManualActionRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t)
	ts.seedState(100, dunningdomain.StateRetrying)

	resp := ts.do(http.MethodPost, "/ops/dunning/100/resolve", []byte(`{"note":`), map[string]string{"X-Actor": "ops"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestStripeWebhook(t *testing.T) {
	failed := &processor.PaymentEvent{
		Provider:        "stripe",
		EventID:         "evt_1",
		Type:            processor.EventPaymentFailed,
		SubscriptionRef: "sub_1",
		FailureMessage:  "card_declined",
	}

	tests := []struct {
		name      string
		verifyErr error
		event     *processor.PaymentEvent
		parseErr  error
		eventErr  error
		status    int
		applied   int
	}{
		{name: "bad signature", verifyErr: processor.ErrInvalidSignature, status: http.StatusUnauthorized},
		{name: "ignored type", parseErr: fmt.Errorf("%w: customer.created", processor.ErrEventIgnored), status: http.StatusOK},
		{name: "bad payload", parseErr: processor.ErrInvalidPayload, status: http.StatusBadRequest},
		{name: "payment failed", event: failed, status: http.StatusOK, applied: 1},
		{name: "unknown subscription", event: failed, eventErr: subscriptiondomain.ErrSubscriptionNotFound, status: http.StatusOK, applied: 1},
		{name: "store failure", event: failed, eventErr: errors.New("connection reset"), status: http.StatusInternalServerError, applied: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.webhook.verifyErr = tc.verifyErr
			ts.webhook.event = tc.event
			ts.webhook.parseErr = tc.parseErr
			ts.dunning.eventErr = tc.eventErr

			resp := ts.do(http.MethodPost, "/webhooks/stripe", []byte(`{"id":"evt_1"}`), map[string]string{
				"Stripe-Signature": "t=1,v1=abc",
			})
			assert.Equal(t, tc.status, resp.Code)
			assert.Len(t, ts.dunning.events, tc.applied)
		})
	}
}

func TestStripeWebhookWithoutVerifier(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := NewEngine(zap.NewNop(), observability.Config{}, nil)
	NewServer(ServerParams{
		Gin:     engine,
		Log:     zap.NewNop(),
		Jobs:    &fakeJobs{},
		Reports: &fakeReports{},
		Dunning: newFakeDunning(),
		Usage:   &fakeUsage{},
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{}`))
	resp := httptest.NewRecorder()
	engine.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestIngestUsage(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodPost, "/usage/events",
		[]byte(`{"org_id":"7","feature":"api_call","quantity":3}`),
		map[string]string{"Idempotency-Key": "req-1"},
	)
	require.Equal(t, http.StatusAccepted, resp.Code)
	require.Len(t, ts.usage.requests, 1)
	got := ts.usage.requests[0]
	assert.Equal(t, snowflake.ID(7), got.OrgID)
	assert.Equal(t, usagedomain.FeatureAPICall, got.Feature)
	require.NotNil(t, got.IdempotencyKey)
	assert.Equal(t, "req-1", *got.IdempotencyKey)
}

func TestIngestUsageValidation(t *testing.T) {
	ts := newTestServer(t)

	cases := map[string]string{
		"unknown feature": `{"org_id":"7","feature":"teleport","quantity":1}`,
		"zero quantity":   `{"org_id":"7","feature":"API_CALL","quantity":0}`,
		"missing org":     `{"feature":"API_CALL","quantity":1}`,
		"malformed":       `{"org_id":`,
	}
	for name, body := range cases {
		resp := ts.do(http.MethodPost, "/usage/events", []byte(body), nil)
		assert.Equal(t, http.StatusBadRequest, resp.Code, name)
	}
	assert.Empty(t, ts.usage.requests)
}

func TestIngestUsageRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := ratelimit.NewUsageIngestLimiter(client, config.Config{UsageIngestRate: 0.01, UsageIngestBurst: 1}, zap.NewNop())
	ts := newTestServerWithLimiter(t, limiter)

	body := []byte(`{"org_id":"7","feature":"API_CALL","quantity":1}`)
	resp := ts.do(http.MethodPost, "/usage/events", body, nil)
	require.Equal(t, http.StatusAccepted, resp.Code)

	resp = ts.do(http.MethodPost, "/usage/events", body, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.NotEmpty(t, resp.Header().Get("Retry-After"))
	assert.Len(t, ts.usage.requests, 1)
}
