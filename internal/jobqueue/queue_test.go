package jobqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/smallbiznis/recon/internal/clock"
	obsmetrics "github.com/smallbiznis/recon/internal/observability/metrics"
	"github.com/smallbiznis/recon/pkg/db/dbtest"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T, cfg Config) (*Queue, *clock.FakeClock, *gorm.DB) {
	t.Helper()
	db := dbtest.Open(t, &ScheduledJob{})

	clk := clock.NewFakeClock(epoch)
	q := New(Params{
		DB:      db,
		Log:     zap.NewNop(),
		Clock:   clk,
		Config:  cfg,
		Metrics: obsmetrics.NewJobQueueMetrics(prometheus.NewRegistry(), obsmetrics.Config{ServiceName: "recon", Environment: "test"}),
	})
	return q, clk, db
}

func mustPayload(t *testing.T, kind string, body any) Payload {
	t.Helper()
	p, err := NewPayload(kind, body)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	return p
}

func TestScheduleRunsOnlyWhenDue(t *testing.T) {
	q, clk, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	var calls atomic.Int32
	q.Register("echo", func(ctx context.Context, job Job) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, q.Schedule(ctx, "echo:1", epoch.Add(time.Minute), mustPayload(t, "echo", nil)))

	n, err := q.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clk.Advance(time.Minute)
	n, err = q.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, calls.Load())

	job, err := q.Get(ctx, "echo:1")
	require.NoError(t, err)
	assert.Nil(t, job, "completed job should be removed")
}

func TestScheduleSameKeyReplacesPendingJob(t *testing.T) {
	q, clk, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	type body struct {
		Value string `json:"value"`
	}
	var seen []string
	q.Register("echo", func(ctx context.Context, job Job) error {
		var b body
		if err := job.Decode(&b); err != nil {
			return err
		}
		seen = append(seen, b.Value)
		return nil
	})

	require.NoError(t, q.Schedule(ctx, "echo:k", epoch.Add(10*time.Minute), mustPayload(t, "echo", body{Value: "first"})))
	require.NoError(t, q.Schedule(ctx, "echo:k", epoch.Add(5*time.Minute), mustPayload(t, "echo", body{Value: "second"})))

	job, err := q.Get(ctx, "echo:k")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.EqualValues(t, 2, job.Generation)

	clk.Advance(5 * time.Minute)
	_, err = q.RunOnce(ctx)
	require.NoError(t, err)
	clk.Advance(time.Hour)
	_, err = q.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"second"}, seen)
}

func TestCancelRemovesJob(t *testing.T) {
	q, clk, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	var calls atomic.Int32
	q.Register("echo", func(ctx context.Context, job Job) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, q.Schedule(ctx, "echo:c", epoch, mustPayload(t, "echo", nil)))
	require.NoError(t, q.Cancel(ctx, "echo:c"))
	require.NoError(t, q.Cancel(ctx, "echo:missing"))

	clk.Advance(time.Hour)
	n, err := q.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.EqualValues(t, 0, calls.Load())
}

func TestFailedJobBacksOffThenGoesDead(t *testing.T) {
	q, clk, _ := newTestQueue(t, Config{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: time.Minute})
	ctx := context.Background()

	q.Register("flaky", func(ctx context.Context, job Job) error {
		return errors.New("processor unavailable")
	})
	require.NoError(t, q.Schedule(ctx, "flaky:1", epoch, mustPayload(t, "flaky", nil)))

	_, err := q.RunOnce(ctx)
	require.NoError(t, err)

	job, err := q.Get(ctx, "flaky:1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, StatusPending, job.Status)
	assert.True(t, job.RunAt.Equal(epoch.Add(time.Second)), "run_at = %s", job.RunAt)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "processor unavailable")

	clk.Advance(time.Second)
	_, err = q.RunOnce(ctx)
	require.NoError(t, err)
	job, err = q.Get(ctx, "flaky:1")
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
	assert.True(t, job.RunAt.Equal(clk.Now().Add(2*time.Second)), "run_at = %s", job.RunAt)

	clk.Advance(2 * time.Second)
	_, err = q.RunOnce(ctx)
	require.NoError(t, err)

	dead, err := q.ListDead(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "flaky:1", dead[0].JobKey)
	assert.Equal(t, 3, dead[0].Attempts)

	clk.Advance(time.Hour)
	n, err := q.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "dead jobs are not redelivered")
}

func TestPermanentErrorGoesDeadImmediately(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{MaxAttempts: 5})
	ctx := context.Background()

	q.Register("strict", func(ctx context.Context, job Job) error {
		return Permanent(errors.New("card declined"))
	})
	require.NoError(t, q.Schedule(ctx, "strict:1", epoch, mustPayload(t, "strict", nil)))
	_, err := q.RunOnce(ctx)
	require.NoError(t, err)

	job, err := q.Get(ctx, "strict:1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, StatusDead, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestUnknownKindIsAFailure(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{MaxAttempts: 1})
	ctx := context.Background()

	require.NoError(t, q.Schedule(ctx, "ghost:1", epoch, mustPayload(t, "ghost", nil)))
	_, err := q.RunOnce(ctx)
	require.NoError(t, err)

	job, err := q.Get(ctx, "ghost:1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, StatusDead, job.Status)
	assert.Contains(t, *job.LastError, ErrUnknownKind.Error())
}

func TestExpiredLeaseIsRedelivered(t *testing.T) {
	q, clk, _ := newTestQueue(t, Config{HandlerTimeout: time.Second, LeaseDuration: time.Minute})
	ctx := context.Background()

	var calls atomic.Int32
	q.Register("echo", func(ctx context.Context, job Job) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, q.Schedule(ctx, "echo:lease", epoch, mustPayload(t, "echo", nil)))

	// A worker that claims and dies without completing.
	claimed, err := q.claim(ctx)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := q.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "leased job must not be claimed twice")

	clk.Advance(time.Minute + time.Second)
	n, err = q.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRescheduleDuringRunSurvivesCompletion(t *testing.T) {
	q, clk, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	next := epoch.Add(3 * 24 * time.Hour)
	q.Register("chain", func(ctx context.Context, job Job) error {
		return q.Schedule(ctx, job.Key, next, mustPayload(t, "chain", nil))
	})
	require.NoError(t, q.Schedule(ctx, "chain:1", epoch, mustPayload(t, "chain", nil)))

	_, err := q.RunOnce(ctx)
	require.NoError(t, err)

	job, err := q.Get(ctx, "chain:1")
	require.NoError(t, err)
	require.NotNil(t, job, "rescheduled job must survive")
	assert.True(t, job.RunAt.Equal(next))
	assert.Nil(t, job.LockedBy)
	assert.Equal(t, 0, job.Attempts)

	clk.Advance(time.Hour)
	n, err := q.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestHandlerPanicIsRecordedAsFailure(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{MaxAttempts: 2})
	ctx := context.Background()

	q.Register("boom", func(ctx context.Context, job Job) error {
		panic("nil map")
	})
	require.NoError(t, q.Schedule(ctx, "boom:1", epoch, mustPayload(t, "boom", nil)))
	_, err := q.RunOnce(ctx)
	require.NoError(t, err)

	job, err := q.Get(ctx, "boom:1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempts)
	assert.Contains(t, *job.LastError, "panic")
}

func TestScheduleRejectsEmptyKeyAndKind(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	assert.ErrorIs(t, q.Schedule(ctx, " ", epoch, Payload{Kind: "x"}), ErrInvalidKey)
	assert.ErrorIs(t, q.Schedule(ctx, "k", epoch, Payload{}), ErrInvalidKind)
	assert.ErrorIs(t, q.Cancel(ctx, ""), ErrInvalidKey)
}

func TestBackoffIsCapped(t *testing.T) {
	cfg := Config{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}.withDefaults()
	assert.Equal(t, time.Second, cfg.backoff(1))
	assert.Equal(t, 2*time.Second, cfg.backoff(2))
	assert.Equal(t, 8*time.Second, cfg.backoff(4))
	assert.Equal(t, 10*time.Second, cfg.backoff(5))
	assert.Equal(t, 10*time.Second, cfg.backoff(40))
}
