package reporter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/smallbiznis/recon/internal/clock"
	"github.com/smallbiznis/recon/internal/jobqueue"
	"github.com/smallbiznis/recon/internal/processor"
	"github.com/smallbiznis/recon/internal/processor/mocks"
	subscriptiondomain "github.com/smallbiznis/recon/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/recon/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/recon/internal/subscription/service"
	usagedomain "github.com/smallbiznis/recon/internal/usage/domain"
	usagerepo "github.com/smallbiznis/recon/internal/usage/repository"
	"github.com/smallbiznis/recon/pkg/db/dbtest"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// now is past the January period end plus the default settle delay.
	now         = time.Date(2025, 2, 1, 3, 0, 0, 0, time.UTC)
	usedAt      = time.Date(2025, 1, 20, 15, 0, 0, 0, time.UTC)
	periodStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
)

// fakeProcessor applies each idempotency key at most once. A replayed key
// returns the original record, like the real processor does.
type fakeProcessor struct {
	mu      sync.Mutex
	applied map[string]int64
	records map[string]string
	calls   []processor.UsageRecord
	// errs are returned in order before any successful call.
	errs []error
	// applyOnError simulates a request that landed but whose response was lost.
	applyOnError bool
}

func newFakeProcessor(errs ...error) *fakeProcessor {
	return &fakeProcessor{
		applied: make(map[string]int64),
		records: make(map[string]string),
		errs:    errs,
	}
}

func (f *fakeProcessor) ReportUsage(_ context.Context, rec processor.UsageRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rec)

	if id, ok := f.records[rec.IdempotencyKey]; ok {
		return id, nil
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if f.applyOnError {
			f.apply(rec)
		}
		return "", err
	}
	return f.apply(rec), nil
}

func (f *fakeProcessor) apply(rec processor.UsageRecord) string {
	id := fmt.Sprintf("mbur_%d", len(f.records)+1)
	f.records[rec.IdempotencyKey] = id
	f.applied[rec.IdempotencyKey] += rec.Quantity
	return id
}

func (f *fakeProcessor) RetryLatestInvoice(context.Context, string) (processor.InvoiceRetryResult, error) {
	return processor.InvoiceRetryResult{}, errors.New("not used")
}

func (f *fakeProcessor) totalApplied() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, q := range f.applied {
		total += q
	}
	return total
}

type scheduled struct {
	key     string
	payload jobqueue.Payload
}

type fakeScheduler struct {
	jobs []scheduled
}

func (f *fakeScheduler) Schedule(_ context.Context, key string, _ time.Time, payload jobqueue.Payload) error {
	for i, j := range f.jobs {
		if j.key == key {
			f.jobs[i].payload = payload
			return nil
		}
	}
	f.jobs = append(f.jobs, scheduled{key: key, payload: payload})
	return nil
}

func (f *fakeScheduler) Cancel(_ context.Context, key string) error {
	for i, j := range f.jobs {
		if j.key == key {
			f.jobs = append(f.jobs[:i], f.jobs[i+1:]...)
			return nil
		}
	}
	return nil
}

// drain runs every scheduled job once through the handler.
func (f *fakeScheduler) drain(t *testing.T, h jobqueue.HandlerFunc) {
	t.Helper()
	jobs := f.jobs
	f.jobs = nil
	for _, j := range jobs {
		err := h(context.Background(), jobqueue.Job{Key: j.key, Kind: j.payload.Kind, Body: j.payload.Body, Attempt: 1})
		require.NoError(t, err, "job %s", j.key)
	}
}

type fixture struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	repo  usagedomain.Repository
	jobs  *fakeScheduler
	orgID snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t,
		&usagedomain.UsageEvent{},
		&usagedomain.UsageQuota{},
		&usagedomain.UsageSummary{},
		&usagedomain.ReportAttempt{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.SubscriptionItem{},
	)
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return &fixture{
		db:    db,
		node:  node,
		clock: clock.NewFakeClock(now),
		repo:  usagerepo.Provide(db),
		jobs:  &fakeScheduler{},
		orgID: node.Generate(),
	}
}

func (f *fixture) reporter(t *testing.T, client processor.Client) *Reporter {
	t.Helper()
	subs := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		Log:   zap.NewNop(),
		Clock: f.clock,
		Repo:  subscriptionrepo.Provide(f.db),
	})
	return New(Params{
		Log:       zap.NewNop(),
		GenID:     f.node,
		Clock:     f.clock,
		Repo:      f.repo,
		Subs:      subs,
		Processor: client,
		Jobs:      f.jobs,
	})
}

func (f *fixture) subscriptionItem(t *testing.T, feature usagedomain.Feature, ref string) {
	t.Helper()
	sub := subscriptiondomain.Subscription{
		ID:           f.node.Generate(),
		OrgID:        f.orgID,
		Status:       subscriptiondomain.SubscriptionStatusActive,
		ProcessorRef: "sub_" + ref,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, f.db.Create(&sub).Error)
	require.NoError(t, f.db.Create(&subscriptiondomain.SubscriptionItem{
		ID:               f.node.Generate(),
		SubscriptionID:   sub.ID,
		OrgID:            f.orgID,
		Feature:          feature,
		ProcessorItemRef: ref,
		CreatedAt:        now,
		UpdatedAt:        now,
	}).Error)
}

func (f *fixture) events(t *testing.T, feature usagedomain.Feature, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		f.event(t, f.node.Generate(), feature, at)
	}
}

func (f *fixture) event(t *testing.T, id snowflake.ID, feature usagedomain.Feature, at time.Time) {
	t.Helper()
	require.NoError(t, f.db.Create(&usagedomain.UsageEvent{
		ID:        id,
		OrgID:     f.orgID,
		Feature:   feature,
		Quantity:  1,
		Timestamp: at,
		CreatedAt: at,
	}).Error)
}

// summarize stores the period summary the Aggregator would produce.
func (f *fixture) summarize(t *testing.T, feature usagedomain.Feature, included, price int64) *usagedomain.UsageSummary {
	t.Helper()
	ctx := context.Background()
	total, err := f.repo.SumQuantity(ctx, f.orgID, feature, periodStart, periodEnd)
	require.NoError(t, err)
	summary := &usagedomain.UsageSummary{
		ID:            f.node.Generate(),
		OrgID:         f.orgID,
		Feature:       feature,
		PeriodStart:   periodStart,
		PeriodEnd:     periodEnd,
		TotalQuantity: total,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	usagedomain.Summarize(summary, usagedomain.UsageQuota{IncludedQuantity: included, PricePerUnit: price, Currency: "USD"})
	require.NoError(t, f.repo.UpsertSummary(ctx, summary))
	stored, err := f.repo.FindSummary(ctx, f.orgID, feature, periodStart, periodEnd)
	require.NoError(t, err)
	return stored
}

func (f *fixture) unreportedEvents(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&usagedomain.UsageEvent{}).Where("reported = ?", false).Count(&n).Error)
	return n
}

func TestReportDeliversOverageExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscriptionItem(t, usagedomain.FeatureOCRScan, "si_ocr")
	f.events(t, usagedomain.FeatureOCRScan, 75, usedAt)
	f.summarize(t, usagedomain.FeatureOCRScan, 50, 5)

	proc := newFakeProcessor()
	r := f.reporter(t, proc)

	attempt, err := r.ReportAggregatedUsage(ctx, f.orgID, usagedomain.FeatureOCRScan, periodStart, periodEnd)
	require.NoError(t, err)
	require.NotNil(t, attempt)
	assert.Equal(t, usagedomain.ReportStatusSucceeded, attempt.Status)
	assert.EqualValues(t, 25, attempt.Quantity)
	require.NotNil(t, attempt.ProcessorRecordID)
	assert.Equal(t, "mbur_1", *attempt.ProcessorRecordID)

	require.Len(t, proc.calls, 1)
	assert.Equal(t, "si_ocr", proc.calls[0].SubscriptionItemRef)
	assert.True(t, strings.HasPrefix(proc.calls[0].IdempotencyKey, "usage:"+f.orgID.String()+":OCR_SCAN:"))
	assert.True(t, proc.calls[0].Timestamp.Before(periodEnd))

	summary, err := f.repo.FindSummary(ctx, f.orgID, usagedomain.FeatureOCRScan, periodStart, periodEnd)
	require.NoError(t, err)
	assert.True(t, summary.ReportedToProcessor)
	assert.NotNil(t, summary.ReportedAt)
	assert.EqualValues(t, 0, f.unreportedEvents(t))

	again, err := r.ReportAggregatedUsage(ctx, f.orgID, usagedomain.FeatureOCRScan, periodStart, periodEnd)
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Len(t, proc.calls, 1)
	assert.EqualValues(t, 25, proc.totalApplied())
}

func TestReportRetryReusesIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscriptionItem(t, usagedomain.FeatureOCRScan, "si_ocr")
	f.events(t, usagedomain.FeatureOCRScan, 75, usedAt)
	f.summarize(t, usagedomain.FeatureOCRScan, 50, 5)

	proc := newFakeProcessor(processor.Transient("timeout", "response lost"))
	proc.applyOnError = true
	r := f.reporter(t, proc)

	attempt, err := r.ReportAggregatedUsage(ctx, f.orgID, usagedomain.FeatureOCRScan, periodStart, periodEnd)
	require.ErrorIs(t, err, ErrReportFailed)
	assert.True(t, processor.IsTransient(err))
	assert.Equal(t, usagedomain.ReportStatusFailed, attempt.Status)
	assert.Equal(t, 0, attempt.RetryCount)
	require.NotNil(t, attempt.ErrorKind)
	assert.Equal(t, usagedomain.ErrorKindTransient, *attempt.ErrorKind)

	// A FAILED attempt is left to the retry sweep.
	res, err := r.ReportAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Candidates)

	res, err = r.RetryFailedReports(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	f.jobs.drain(t, r.HandleJob)

	require.Len(t, proc.calls, 2)
	assert.Equal(t, proc.calls[0].IdempotencyKey, proc.calls[1].IdempotencyKey)
	assert.Equal(t, proc.calls[0].Quantity, proc.calls[1].Quantity)
	assert.Equal(t, proc.calls[0].Timestamp, proc.calls[1].Timestamp)
	assert.EqualValues(t, 25, proc.totalApplied())

	attempts, err := r.ListAttempts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, usagedomain.ReportStatusSucceeded, attempts[0].Status)
	assert.Equal(t, attempt.ID, attempts[0].ID)
	assert.Equal(t, 1, attempts[0].RetryCount, "a successful retry still counts")
}

func TestPermanentErrorRequiresAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscriptionItem(t, usagedomain.FeatureAPICall, "si_api")
	f.events(t, usagedomain.FeatureAPICall, 12, usedAt)
	f.summarize(t, usagedomain.FeatureAPICall, 10, 1)

	proc := newFakeProcessor(processor.Permanent("resource_missing", "no such subscription item"))
	r := f.reporter(t, proc)

	attempt, err := r.ReportAggregatedUsage(ctx, f.orgID, usagedomain.FeatureAPICall, periodStart, periodEnd)
	require.ErrorIs(t, err, ErrReportFailed)
	assert.Equal(t, usagedomain.ReportStatusRequiresAction, attempt.Status)
	require.NotNil(t, attempt.ErrorKind)
	assert.Equal(t, usagedomain.ErrorKindPermanent, *attempt.ErrorKind)

	res, err := r.RetryFailedReports(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Candidates)
	res, err = r.ReportAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Candidates)
	assert.Len(t, proc.calls, 1)

	listed, err := r.ListAttempts(ctx, 10, usagedomain.ReportStatusRequiresAction)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestMissingSubscriptionItemRequiresAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.events(t, usagedomain.FeatureESignature, 3, usedAt)
	f.summarize(t, usagedomain.FeatureESignature, 1, 100)

	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	client.EXPECT().ReportUsage(gomock.Any(), gomock.Any()).Times(0)

	attempt, err := f.reporter(t, client).ReportAggregatedUsage(ctx, f.orgID, usagedomain.FeatureESignature, periodStart, periodEnd)
	require.ErrorIs(t, err, ErrReportFailed)
	assert.True(t, processor.IsPermanent(err))
	assert.Equal(t, usagedomain.ReportStatusRequiresAction, attempt.Status)
	require.NotNil(t, attempt.ErrorMessage)
	assert.Contains(t, *attempt.ErrorMessage, "missing_item_reference")
}

func TestReportSendsPersistedRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscriptionItem(t, usagedomain.FeatureSMSNotification, "si_sms")
	f.events(t, usagedomain.FeatureSMSNotification, 8, usedAt)
	f.summarize(t, usagedomain.FeatureSMSNotification, 5, 3)

	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	client.EXPECT().
		ReportUsage(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, rec processor.UsageRecord) (string, error) {
			assert.Equal(t, "si_sms", rec.SubscriptionItemRef)
			assert.EqualValues(t, 3, rec.Quantity)
			assert.True(t, rec.Timestamp.Equal(periodEnd.Add(-time.Second)))
			return "mbur_sms", nil
		})

	attempt, err := f.reporter(t, client).ReportAggregatedUsage(ctx, f.orgID, usagedomain.FeatureSMSNotification, periodStart, periodEnd)
	require.NoError(t, err)
	assert.Equal(t, usagedomain.ReportStatusSucceeded, attempt.Status)

	stored, err := f.repo.ListAttempts(ctx, []usagedomain.ReportStatus{usagedomain.ReportStatusSucceeded}, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "mbur_sms", *stored[0].ProcessorRecordID)
	assert.Equal(t, IdempotencyKey(f.orgID, usagedomain.FeatureSMSNotification, periodStart, periodEnd, stored[0].Nonce), stored[0].IdempotencyKey)
}

func TestRetriesStopAtMaxRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscriptionItem(t, usagedomain.FeatureOCRScan, "si_ocr")
	f.events(t, usagedomain.FeatureOCRScan, 3, usedAt)
	f.summarize(t, usagedomain.FeatureOCRScan, 1, 1)

	unavailable := processor.Transient("http_503", "service unavailable")
	proc := newFakeProcessor(unavailable, unavailable, unavailable, unavailable)
	r := f.reporter(t, proc)

	_, err := r.ReportAggregatedUsage(ctx, f.orgID, usagedomain.FeatureOCRScan, periodStart, periodEnd)
	require.ErrorIs(t, err, ErrReportFailed)

	for i := 0; i < 2; i++ {
		res, err := r.RetryFailedReports(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Dispatched, "retry round %d", i+1)
		f.jobs.drain(t, r.HandleJob)
	}

	abandoned, err := r.ListAttempts(ctx, 10, usagedomain.ReportStatusAbandoned)
	require.NoError(t, err)
	require.Len(t, abandoned, 1)
	assert.Equal(t, 2, abandoned[0].RetryCount)

	res, err := r.RetryFailedReports(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
	assert.Len(t, proc.calls, 3)
	assert.EqualValues(t, 0, proc.totalApplied())

	summary, err := f.repo.FindSummary(ctx, f.orgID, usagedomain.FeatureOCRScan, periodStart, periodEnd)
	require.NoError(t, err)
	assert.False(t, summary.ReportedToProcessor)
}

func TestRetrySweepAbandonsExhaustedAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.events(t, usagedomain.FeatureOCRScan, 3, usedAt)
	summary := f.summarize(t, usagedomain.FeatureOCRScan, 1, 1)

	require.NoError(t, f.repo.CreateAttempt(ctx, &usagedomain.ReportAttempt{
		ID:             f.node.Generate(),
		SummaryID:      summary.ID,
		OrgID:          f.orgID,
		Feature:        usagedomain.FeatureOCRScan,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		Nonce:          "n-1",
		IdempotencyKey: "usage:exhausted",
		Quantity:       2,
		Status:         usagedomain.ReportStatusFailed,
		RetryCount:     5,
		CreatedAt:      now,
		UpdatedAt:      now,
	}))

	res, err := f.reporter(t, newFakeProcessor()).RetryFailedReports(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Abandoned: 1}, res)
	assert.Empty(t, f.jobs.jobs)
}

func TestReportAllDispatchesUnreportedOverage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.events(t, usagedomain.FeatureOCRScan, 75, usedAt)
	f.events(t, usagedomain.FeatureAPICall, 5, usedAt)
	f.events(t, usagedomain.FeatureDocumentUpload, 9, usedAt)
	f.summarize(t, usagedomain.FeatureOCRScan, 50, 5)
	f.summarize(t, usagedomain.FeatureAPICall, 10, 1)
	reported := f.summarize(t, usagedomain.FeatureDocumentUpload, 1, 1)
	require.NoError(t, f.db.Model(&usagedomain.UsageSummary{}).
		Where("id = ?", reported.ID).
		Update("reported_to_processor", true).Error)
	require.NoError(t, f.db.Model(&usagedomain.UsageEvent{}).
		Where("feature = ?", usagedomain.FeatureDocumentUpload).
		Update("reported", true).Error)

	// February is still open
	open := &usagedomain.UsageSummary{
		ID:               f.node.Generate(),
		OrgID:            f.orgID,
		Feature:          usagedomain.FeatureOCRScan,
		PeriodStart:      periodEnd,
		PeriodEnd:        periodEnd.AddDate(0, 1, 0),
		TotalQuantity:    90,
		IncludedQuantity: 50,
		OverageQuantity:  40,
		OverageAmount:    200,
		Currency:         "USD",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, f.repo.UpsertSummary(ctx, open))

	res, err := f.reporter(t, newFakeProcessor()).ReportAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Candidates: 1, Dispatched: 1}, res)
	require.Len(t, f.jobs.jobs, 1)
	assert.Equal(t, JobKey(f.orgID, usagedomain.FeatureOCRScan, periodStart, periodEnd), f.jobs.jobs[0].key)
	assert.Equal(t, JobKind, f.jobs.jobs[0].payload.Kind)
}

func TestWholePeriodOverageIsBilledAfterClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscriptionItem(t, usagedomain.FeatureOCRScan, "si_ocr")
	proc := newFakeProcessor()
	r := f.reporter(t, proc)

	f.clock.Set(time.Date(2025, 1, 5, 12, 0, 0, 0, time.UTC))
	f.events(t, usagedomain.FeatureOCRScan, 75, time.Date(2025, 1, 5, 9, 0, 0, 0, time.UTC))
	f.summarize(t, usagedomain.FeatureOCRScan, 50, 5)

	res, err := r.ReportAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Candidates, "an open period is not reported")
	attempt, err := r.ReportAggregatedUsage(ctx, f.orgID, usagedomain.FeatureOCRScan, periodStart, periodEnd)
	require.NoError(t, err)
	assert.Nil(t, attempt)

	f.events(t, usagedomain.FeatureOCRScan, 100, usedAt)
	f.clock.Set(periodEnd.Add(time.Hour))
	summary := f.summarize(t, usagedomain.FeatureOCRScan, 50, 5)
	assert.EqualValues(t, 125, summary.OverageQuantity)

	res, err = r.ReportAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Candidates, "a closed period waits out the settle delay")

	f.clock.Set(now)
	res, err = r.ReportAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	f.jobs.drain(t, r.HandleJob)

	assert.EqualValues(t, 125, proc.totalApplied())
	assert.EqualValues(t, 0, f.unreportedEvents(t))

	res, err = r.ReportAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Candidates)
}

func TestLateUsageIsBilledInFollowUpReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscriptionItem(t, usagedomain.FeatureOCRScan, "si_ocr")
	f.events(t, usagedomain.FeatureOCRScan, 60, usedAt)
	f.summarize(t, usagedomain.FeatureOCRScan, 50, 5)

	proc := newFakeProcessor()
	r := f.reporter(t, proc)
	_, err := r.ReportAggregatedUsage(ctx, f.orgID, usagedomain.FeatureOCRScan, periodStart, periodEnd)
	require.NoError(t, err)

	// backdated into the reported period
	f.events(t, usagedomain.FeatureOCRScan, 5, periodEnd.Add(-time.Minute))
	summary := f.summarize(t, usagedomain.FeatureOCRScan, 50, 5)
	assert.EqualValues(t, 65, summary.TotalQuantity)
	assert.True(t, summary.ReportedToProcessor)

	res, err := r.ReportAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	f.jobs.drain(t, r.HandleJob)

	require.Len(t, proc.calls, 2)
	assert.NotEqual(t, proc.calls[0].IdempotencyKey, proc.calls[1].IdempotencyKey)
	assert.EqualValues(t, 5, proc.calls[1].Quantity)
	assert.EqualValues(t, 15, proc.totalApplied())
	assert.EqualValues(t, 0, f.unreportedEvents(t))

	res, err = r.ReportAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Candidates)
}

func TestEventCommittedAfterAttemptOpensIsNotMarkedReported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscriptionItem(t, usagedomain.FeatureOCRScan, "si_ocr")
	// generated before the others but committed after the attempt opens
	straggler := f.node.Generate()
	f.events(t, usagedomain.FeatureOCRScan, 75, usedAt)
	f.summarize(t, usagedomain.FeatureOCRScan, 50, 5)

	proc := newFakeProcessor(processor.Transient("timeout", "gateway timeout"))
	r := f.reporter(t, proc)
	attempt, err := r.ReportAggregatedUsage(ctx, f.orgID, usagedomain.FeatureOCRScan, periodStart, periodEnd)
	require.ErrorIs(t, err, ErrReportFailed)
	assert.EqualValues(t, 25, attempt.Quantity)
	assert.Greater(t, int64(attempt.EventCutoffID), int64(straggler))

	f.event(t, straggler, usagedomain.FeatureOCRScan, usedAt)

	_, err = r.RetryFailedReports(ctx, 3)
	require.NoError(t, err)
	f.jobs.drain(t, r.HandleJob)
	assert.EqualValues(t, 25, proc.totalApplied())

	var stored usagedomain.UsageEvent
	require.NoError(t, f.db.Where("id = ?", straggler).Take(&stored).Error)
	assert.False(t, stored.Reported)
	assert.Nil(t, stored.ReportAttemptID)

	res, err := r.ReportAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	f.jobs.drain(t, r.HandleJob)
	assert.EqualValues(t, 26, proc.totalApplied())
	assert.EqualValues(t, 0, f.unreportedEvents(t))
}

func TestHandleJobRejectsMalformedBody(t *testing.T) {
	f := newFixture(t)
	err := f.reporter(t, newFakeProcessor()).HandleJob(context.Background(), jobqueue.Job{
		Key:  "usage.report:bad",
		Kind: JobKind,
		Body: []byte(`{"org_id":`),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, jobqueue.ErrPermanent)
}
