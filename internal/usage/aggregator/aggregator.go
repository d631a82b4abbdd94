// Package aggregator recomputes per-period usage summaries from raw events.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/recon/internal/clock"
	"github.com/smallbiznis/recon/internal/jobqueue"
	"github.com/smallbiznis/recon/internal/observability/logger"
	usagedomain "github.com/smallbiznis/recon/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const JobKind = "usage.aggregate"

type Params struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  usagedomain.Repository
	Jobs  jobqueue.Scheduler
}

type Aggregator struct {
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  usagedomain.Repository
	jobs  jobqueue.Scheduler
}

func New(p Params) *Aggregator {
	return &Aggregator{
		log:   logger.Component(p.Log.Named("usage.aggregator"), "usage_aggregator"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		jobs:  p.Jobs,
	}
}

// SweepResult counts the outcome of one dispatch sweep.
type SweepResult struct {
	Candidates int
	Dispatched int
	Failed     int
}

type jobBody struct {
	OrgID   snowflake.ID        `json:"org_id"`
	Feature usagedomain.Feature `json:"feature"`
}

// JobKey is the single-flight key for one (org, feature) stream.
func JobKey(orgID snowflake.ID, feature usagedomain.Feature) string {
	return fmt.Sprintf("%s:%s:%s", JobKind, orgID, feature)
}

// Aggregate recomputes the current period summary for one stream and
// refreshes the previous period so usage recorded after its last hourly run
// lands before it is reported. A stream without an active quota is unmetered
// and yields nil.
func (a *Aggregator) Aggregate(ctx context.Context, orgID snowflake.ID, feature usagedomain.Feature) (*usagedomain.UsageSummary, error) {
	quota, err := a.repo.FindActiveQuota(ctx, orgID, feature)
	if err != nil {
		return nil, fmt.Errorf("find quota: %w", err)
	}
	if quota == nil {
		a.log.Debug("no active quota, skipping",
			zap.String("org_id", orgID.String()),
			zap.String("feature", string(feature)),
		)
		return nil, nil
	}

	now := a.clock.Now()
	prevStart, prevEnd, err := quota.ResetPeriod.PreviousWindow(now)
	if err != nil {
		return nil, fmt.Errorf("quota %s: %w", quota.ID, err)
	}
	if _, err := a.aggregateWindow(ctx, quota, prevStart, prevEnd, false); err != nil {
		return nil, fmt.Errorf("previous period: %w", err)
	}

	start, end, err := quota.ResetPeriod.Window(now)
	if err != nil {
		return nil, fmt.Errorf("quota %s: %w", quota.ID, err)
	}
	return a.aggregateWindow(ctx, quota, start, end, true)
}

// aggregateWindow upserts the summary of one period. Unless create is set, a
// period without a summary or events is left alone and yields nil.
func (a *Aggregator) aggregateWindow(ctx context.Context, quota *usagedomain.UsageQuota, start, end time.Time, create bool) (*usagedomain.UsageSummary, error) {
	total, err := a.repo.SumQuantity(ctx, quota.OrgID, quota.Feature, start, end)
	if err != nil {
		return nil, fmt.Errorf("sum usage: %w", err)
	}
	if !create && total == 0 {
		existing, err := a.repo.FindSummary(ctx, quota.OrgID, quota.Feature, start, end)
		if err != nil {
			return nil, fmt.Errorf("find summary: %w", err)
		}
		if existing == nil {
			return nil, nil
		}
	}

	now := a.clock.Now()
	summary := &usagedomain.UsageSummary{
		ID:            a.genID.Generate(),
		OrgID:         quota.OrgID,
		Feature:       quota.Feature,
		PeriodStart:   start,
		PeriodEnd:     end,
		TotalQuantity: total,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	usagedomain.Summarize(summary, *quota)

	if err := a.repo.UpsertSummary(ctx, summary); err != nil {
		return nil, fmt.Errorf("upsert summary: %w", err)
	}

	stored, err := a.repo.FindSummary(ctx, quota.OrgID, quota.Feature, start, end)
	if err != nil {
		return nil, fmt.Errorf("reload summary: %w", err)
	}
	if stored == nil {
		return nil, errors.New("summary missing after upsert")
	}

	a.log.Debug("usage aggregated",
		zap.String("org_id", quota.OrgID.String()),
		zap.String("feature", string(quota.Feature)),
		zap.Time("period_start", start),
		zap.Int64("total_quantity", stored.TotalQuantity),
		zap.Int64("overage_quantity", stored.OverageQuantity),
	)
	return stored, nil
}

// AggregateAll dispatches one aggregation job per stream with events in any
// period that may still settle. A failed dispatch is counted and the sweep
// goes on.
func (a *Aggregator) AggregateAll(ctx context.Context) (SweepResult, error) {
	now := a.clock.Now()
	pairs, err := a.repo.ListActivePairs(ctx, usagedomain.SettlingWindowStart(now))
	if err != nil {
		return SweepResult{}, fmt.Errorf("list active streams: %w", err)
	}
	pairs = lo.Uniq(pairs)

	result := SweepResult{Candidates: len(pairs)}
	for _, pair := range pairs {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		payload, err := jobqueue.NewPayload(JobKind, jobBody{OrgID: pair.OrgID, Feature: pair.Feature})
		if err == nil {
			err = a.jobs.Schedule(ctx, JobKey(pair.OrgID, pair.Feature), now, payload)
		}
		if err != nil {
			result.Failed++
			a.log.Warn("aggregation dispatch failed",
				zap.String("org_id", pair.OrgID.String()),
				zap.String("feature", string(pair.Feature)),
				zap.Error(err),
			)
			continue
		}
		result.Dispatched++
	}
	return result, nil
}

// HandleJob runs Aggregate for a dispatched stream.
func (a *Aggregator) HandleJob(ctx context.Context, job jobqueue.Job) error {
	var body jobBody
	if err := job.Decode(&body); err != nil {
		return jobqueue.Permanent(fmt.Errorf("decode %s: %w", job.Key, err))
	}
	_, err := a.Aggregate(ctx, body.OrgID, body.Feature)
	return err
}
