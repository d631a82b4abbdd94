package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recon/internal/clock"
	"github.com/smallbiznis/recon/internal/config"
	dunningdomain "github.com/smallbiznis/recon/internal/dunning/domain"
	"github.com/smallbiznis/recon/internal/jobqueue"
	"github.com/smallbiznis/recon/internal/notification"
	"github.com/smallbiznis/recon/internal/observability/errortracker"
	"github.com/smallbiznis/recon/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/recon/internal/observability/metrics"
	"github.com/smallbiznis/recon/internal/observability/tracing"
	"github.com/smallbiznis/recon/internal/processor"
	subscriptiondomain "github.com/smallbiznis/recon/internal/subscription/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	JobKind    = "dunning.retry"
	tracerName = "recon/dunning"

	maxErrorLength = 1024
	listLimit      = 500
)

type ServiceParam struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       dunningdomain.Repository
	Subs       subscriptiondomain.Service
	Processor  processor.Client
	Jobs       jobqueue.Scheduler
	Notifier   notification.Notifier
	Config     *config.ReconcileConfigHolder `optional:"true"`
	Calendar   dunningdomain.Calendar        `optional:"true"`
	Tracker    *errortracker.Tracker         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics           `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       dunningdomain.Repository
	subs       subscriptiondomain.Service
	processor  processor.Client
	jobs       jobqueue.Scheduler
	notifier   notification.Notifier
	cfg        *config.ReconcileConfigHolder
	calendar   dunningdomain.Calendar
	tracker    *errortracker.Tracker
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) *Service {
	return &Service{
		log:        logger.Component(p.Log.Named("dunning.service"), "dunning"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		subs:       p.Subs,
		processor:  p.Processor,
		jobs:       p.Jobs,
		notifier:   p.Notifier,
		cfg:        p.Config,
		calendar:   p.Calendar,
		tracker:    p.Tracker,
		obsMetrics: p.ObsMetrics,
	}
}

type jobBody struct {
	SubscriptionID snowflake.ID `json:"subscription_id"`
}

// JobKey is the single retry job of a subscription.
func JobKey(subscriptionID snowflake.ID) string {
	return "dunning:" + subscriptionID.String()
}

// loadCalendar prefers an injected calendar, then the live config snapshot.
func (s *Service) loadCalendar() (dunningdomain.Calendar, error) {
	if len(s.calendar) > 0 {
		return s.calendar, nil
	}
	if s.cfg == nil {
		return dunningdomain.DefaultCalendar(), nil
	}
	return dunningdomain.NewCalendar(s.cfg.Get().Dunning.Calendar)
}

func (s *Service) StartDunning(ctx context.Context, in dunningdomain.StartInput) (*dunningdomain.DunningState, error) {
	if in.SubscriptionID == 0 || in.OrgID == 0 {
		return nil, dunningdomain.ErrInvalidInput
	}
	cal, err := s.loadCalendar()
	if err != nil {
		return nil, err
	}

	log := s.log.With(zap.String("subscription_id", in.SubscriptionID.String()))
	existing, err := s.repo.FindBySubscription(ctx, in.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.State != dunningdomain.StateResolved {
		log.Info("dunning already in progress", zap.String("state", string(existing.State)))
		return existing, nil
	}

	now := s.clock.Now()
	failedAt := in.FailedAt.UTC()
	if in.FailedAt.IsZero() {
		failedAt = now
	}
	nextRetryAt := cal.RetryAt(failedAt, 1)
	lastError := lastErrorPtr(in.LastError)

	var state *dunningdomain.DunningState
	if existing == nil {
		state = &dunningdomain.DunningState{
			ID:             s.genID.Generate(),
			SubscriptionID: in.SubscriptionID,
			OrgID:          in.OrgID,
			FailedAt:       failedAt,
			State:          cal[0].State,
			LastError:      lastError,
			NextRetryAt:    &nextRetryAt,
			Metadata:       datatypes.JSONMap{},
			Version:        1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.repo.Create(ctx, state); err != nil {
			return nil, err
		}
	} else {
		if err := s.update(ctx, existing, map[string]any{
			"org_id":        in.OrgID,
			"failed_at":     failedAt,
			"retry_count":   0,
			"state":         cal[0].State,
			"last_error":    lastError,
			"next_retry_at": nextRetryAt,
			"resolved_at":   nil,
			"suspended_at":  nil,
			"updated_at":    now,
		}); err != nil {
			return nil, err
		}
		if state, err = s.reload(ctx, in.SubscriptionID); err != nil {
			return nil, err
		}
	}

	if err := s.subs.MarkPastDue(ctx, in.SubscriptionID); err != nil {
		log.Warn("mark subscription past due failed", zap.Error(err))
	}
	if err := s.schedule(ctx, in.SubscriptionID, nextRetryAt); err != nil {
		return state, err
	}
	s.obsMetrics.RecordDunningTransition(ctx, stateOf(existing), string(state.State))
	log.Info("dunning started",
		zap.Time("failed_at", failedAt),
		zap.Time("next_retry_at", nextRetryAt),
	)
	return state, nil
}

// RetryPayment is run by the retry job. Transient processor errors are
// returned so the queue retries; declines escalate along the calendar.
func (s *Service) RetryPayment(ctx context.Context, subscriptionID snowflake.ID) error {
	ctx, span := tracing.Start(ctx, tracerName, "dunning.retry_payment",
		attribute.String("subscription_id", subscriptionID.String()),
	)
	defer span.End()

	log := logger.WithContext(ctx, s.log).With(zap.String("subscription_id", subscriptionID.String()))
	state, err := s.repo.FindBySubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if state == nil {
		log.Debug("retry skipped", zap.String("state", stateOf(state)))
		return nil
	}
	if state.State.Terminal() {
		log.Debug("retry skipped", zap.String("state", stateOf(state)))
		return s.syncSubscription(ctx, subscriptionID, state.State)
	}

	sub, err := s.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
			return jobqueue.Permanent(err)
		}
		return err
	}

	result, callErr := s.processor.RetryLatestInvoice(ctx, sub.ProcessorRef)
	if callErr != nil && !processor.IsPermanent(callErr) {
		span.RecordError(tracing.SafeError(callErr))
		log.Warn("payment retry failed transiently", zap.Error(callErr))
		return fmt.Errorf("retry latest invoice: %w", callErr)
	}
	if callErr == nil && result.Paid {
		return s.ResolveDunning(ctx, subscriptionID, "payment_retry_succeeded")
	}

	reason := declineReason(result, callErr)
	retryCount := state.RetryCount + 1
	if err := s.update(ctx, state, map[string]any{
		"retry_count": retryCount,
		"last_error":  reason,
		"updated_at":  s.clock.Now(),
	}); err != nil {
		return err
	}
	if callErr != nil {
		s.tracker.Capture(ctx, callErr, map[string]string{
			"component":       "dunning",
			"subscription_id": subscriptionID.String(),
		})
	}
	log.Info("payment retry declined", zap.Int("retry_count", retryCount), zap.String("reason", reason))
	return s.EscalateDunning(ctx, subscriptionID, retryCount)
}

// EscalateDunning moves the state to the calendar entry due for the time
// elapsed since the failure. The state never moves backwards.
func (s *Service) EscalateDunning(ctx context.Context, subscriptionID snowflake.ID, retryCount int) error {
	cal, err := s.loadCalendar()
	if err != nil {
		return err
	}
	state, err := s.repo.FindBySubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}
	if state.State.Terminal() {
		return s.syncSubscription(ctx, subscriptionID, state.State)
	}

	now := s.clock.Now()
	days := dunningdomain.DaysSince(state.FailedAt, now)
	idx := cal.EntryFor(days)
	if cur := cal.IndexOf(state.State); cur > idx {
		idx = cur
	}
	entry := cal[idx]
	if retryCount < state.RetryCount {
		retryCount = state.RetryCount
	}
	log := s.log.With(
		zap.String("subscription_id", subscriptionID.String()),
		zap.Int("days_since_failure", days),
		zap.String("from_state", string(state.State)),
		zap.String("to_state", string(entry.State)),
	)

	if entry.State == dunningdomain.StateSuspended {
		if err := s.update(ctx, state, map[string]any{
			"state":         dunningdomain.StateSuspended,
			"retry_count":   retryCount,
			"suspended_at":  now,
			"next_retry_at": nil,
			"updated_at":    now,
		}); err != nil {
			return err
		}
		s.transitioned(ctx, state, entry, days, nil)
		// The retry job stays queued until the subscription follows, so a
		// failed suspend is re-applied on the next delivery.
		if err := s.syncSubscription(ctx, subscriptionID, dunningdomain.StateSuspended); err != nil {
			return err
		}
		if err := s.jobs.Cancel(ctx, JobKey(subscriptionID)); err != nil {
			log.Warn("cancel retry job failed", zap.Error(err))
		}
		log.Warn("subscription suspended by dunning")
		return nil
	}

	nextRetryAt := cal.RetryAt(state.FailedAt, idx+1)
	if err := s.update(ctx, state, map[string]any{
		"state":         entry.State,
		"retry_count":   retryCount,
		"next_retry_at": nextRetryAt,
		"updated_at":    now,
	}); err != nil {
		return err
	}
	if entry.State != state.State {
		s.transitioned(ctx, state, entry, days, &nextRetryAt)
		log.Info("dunning escalated", zap.Time("next_retry_at", nextRetryAt))
	}
	return s.schedule(ctx, subscriptionID, nextRetryAt)
}

func (s *Service) ResolveDunning(ctx context.Context, subscriptionID snowflake.ID, reason string) error {
	state, err := s.repo.FindBySubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}
	if state.State == dunningdomain.StateResolved {
		return s.syncSubscription(ctx, subscriptionID, state.State)
	}
	return s.resolve(ctx, state, map[string]any{"resolution_reason": reason})
}

func (s *Service) ManualResolve(ctx context.Context, subscriptionID snowflake.ID, actor, note string) (*dunningdomain.DunningState, error) {
	state, err := s.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if state.State == dunningdomain.StateResolved {
		return state, s.syncSubscription(ctx, subscriptionID, state.State)
	}
	if err := s.resolve(ctx, state, map[string]any{
		"resolution_reason": "manual",
		"resolved_by":       actor,
		"note":              note,
	}); err != nil {
		return nil, err
	}
	return s.reload(ctx, subscriptionID)
}

func (s *Service) ManualSuspend(ctx context.Context, subscriptionID snowflake.ID, actor, reason string) (*dunningdomain.DunningState, error) {
	state, err := s.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	switch state.State {
	case dunningdomain.StateSuspended:
		return state, s.syncSubscription(ctx, subscriptionID, state.State)
	case dunningdomain.StateResolved:
		return nil, fmt.Errorf("%w: %s -> %s", dunningdomain.ErrInvalidTransition, state.State, dunningdomain.StateSuspended)
	}

	now := s.clock.Now()
	if err := s.update(ctx, state, map[string]any{
		"state":         dunningdomain.StateSuspended,
		"suspended_at":  now,
		"next_retry_at": nil,
		"metadata": mergeMetadata(state.Metadata, map[string]any{
			"suspended_by":      actor,
			"suspension_reason": reason,
		}),
		"updated_at": now,
	}); err != nil {
		return nil, err
	}
	s.obsMetrics.RecordDunningTransition(ctx, string(state.State), string(dunningdomain.StateSuspended))
	s.notify(ctx, state, notification.TemplateDunningSuspended, map[string]any{"reason": reason})
	s.log.Info("dunning suspended manually",
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("actor", actor),
	)
	if err := s.syncSubscription(ctx, subscriptionID, dunningdomain.StateSuspended); err != nil {
		return nil, err
	}
	if err := s.jobs.Cancel(ctx, JobKey(subscriptionID)); err != nil {
		s.log.Warn("cancel retry job failed", zap.String("subscription_id", subscriptionID.String()), zap.Error(err))
	}
	return s.reload(ctx, subscriptionID)
}

// ManualRetry collects the latest invoice on behalf of an operator. It also
// runs on SUSPENDED subscriptions; a paid invoice resolves dunning.
func (s *Service) ManualRetry(ctx context.Context, subscriptionID snowflake.ID, actor string) (*dunningdomain.DunningState, error) {
	state, err := s.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if state.State == dunningdomain.StateResolved {
		return state, nil
	}
	sub, err := s.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	result, callErr := s.processor.RetryLatestInvoice(ctx, sub.ProcessorRef)
	if callErr == nil && result.Paid {
		if err := s.resolve(ctx, state, map[string]any{
			"resolution_reason": "manual_retry",
			"resolved_by":       actor,
		}); err != nil {
			return nil, err
		}
		return s.reload(ctx, subscriptionID)
	}

	if err := s.update(ctx, state, map[string]any{
		"retry_count": state.RetryCount + 1,
		"last_error":  declineReason(result, callErr),
		"metadata":    mergeMetadata(state.Metadata, map[string]any{"last_manual_retry_by": actor}),
		"updated_at":  s.clock.Now(),
	}); err != nil {
		return nil, err
	}
	updated, err := s.reload(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if callErr != nil {
		return updated, fmt.Errorf("retry latest invoice: %w", callErr)
	}
	return updated, nil
}

func (s *Service) HandlePaymentEvent(ctx context.Context, event processor.PaymentEvent) error {
	s.obsMetrics.RecordPaymentEvent(ctx, event.Provider, string(event.Type))
	sub, err := s.subs.GetByProcessorRef(ctx, event.SubscriptionRef)
	if err != nil {
		return err
	}

	switch event.Type {
	case processor.EventPaymentFailed:
		_, err := s.StartDunning(ctx, dunningdomain.StartInput{
			SubscriptionID: sub.ID,
			OrgID:          sub.OrgID,
			FailedAt:       event.OccurredAt,
			LastError:      event.FailureMessage,
		})
		return err
	case processor.EventPaymentSucceeded:
		return s.ResolveDunning(ctx, sub.ID, "payment_succeeded")
	default:
		return fmt.Errorf("%w: %s", processor.ErrEventIgnored, event.Type)
	}
}

func (s *Service) Get(ctx context.Context, subscriptionID snowflake.ID) (*dunningdomain.DunningState, error) {
	state, err := s.repo.FindBySubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, dunningdomain.ErrNotFound
	}
	return state, nil
}

func (s *Service) List(ctx context.Context, limit int, states ...dunningdomain.State) ([]dunningdomain.DunningState, error) {
	if limit <= 0 || limit > listLimit {
		limit = 100
	}
	return s.repo.List(ctx, states, limit)
}

func (s *Service) RecoverOverdue(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 || limit > listLimit {
		limit = listLimit
	}
	overdue, err := s.repo.ListOverdue(ctx, before, limit)
	if err != nil {
		return 0, fmt.Errorf("list overdue dunning: %w", err)
	}
	lookup, canLookup := s.jobs.(jobqueue.Lookup)

	now := s.clock.Now()
	recovered := 0
	var errs []error
	for _, state := range overdue {
		key := JobKey(state.SubscriptionID)
		if canLookup {
			job, err := lookup.Get(ctx, key)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			if job != nil && job.Status != jobqueue.StatusDead {
				continue
			}
		}
		if err := s.schedule(ctx, state.SubscriptionID, now); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		recovered++
		s.log.Warn("re-armed overdue dunning retry",
			zap.String("subscription_id", state.SubscriptionID.String()),
			zap.String("state", string(state.State)),
			zap.Timep("next_retry_at", state.NextRetryAt),
		)
	}
	return recovered, errors.Join(errs...)
}

// HandleJob runs the retry job of one subscription.
func (s *Service) HandleJob(ctx context.Context, job jobqueue.Job) error {
	var body jobBody
	if err := job.Decode(&body); err != nil {
		return jobqueue.Permanent(fmt.Errorf("decode %s: %w", job.Key, err))
	}
	return s.RetryPayment(ctx, body.SubscriptionID)
}

func (s *Service) resolve(ctx context.Context, state *dunningdomain.DunningState, meta map[string]any) error {
	now := s.clock.Now()
	if err := s.update(ctx, state, map[string]any{
		"state":         dunningdomain.StateResolved,
		"resolved_at":   now,
		"next_retry_at": nil,
		"metadata":      mergeMetadata(state.Metadata, meta),
		"updated_at":    now,
	}); err != nil {
		return err
	}

	log := s.log.With(zap.String("subscription_id", state.SubscriptionID.String()))
	s.obsMetrics.RecordDunningTransition(ctx, string(state.State), string(dunningdomain.StateResolved))
	s.notify(ctx, state, notification.TemplateDunningResolved, meta)
	log.Info("dunning resolved", zap.String("from_state", string(state.State)), zap.Any("reason", meta["resolution_reason"]))

	if err := s.syncSubscription(ctx, state.SubscriptionID, dunningdomain.StateResolved); err != nil {
		return err
	}
	if err := s.jobs.Cancel(ctx, JobKey(state.SubscriptionID)); err != nil {
		log.Warn("cancel retry job failed", zap.Error(err))
	}
	return nil
}

// syncSubscription brings the subscription in line with a terminal dunning
// state. Both transitions are no-ops when already applied. A canceled or
// missing subscription is left alone.
func (s *Service) syncSubscription(ctx context.Context, subscriptionID snowflake.ID, to dunningdomain.State) error {
	var err error
	switch to {
	case dunningdomain.StateSuspended:
		err = s.subs.Suspend(ctx, subscriptionID)
	case dunningdomain.StateResolved:
		err = s.subs.Reactivate(ctx, subscriptionID)
	default:
		return nil
	}
	if err == nil {
		return nil
	}

	log := s.log.With(zap.String("subscription_id", subscriptionID.String()), zap.String("state", string(to)))
	if errors.Is(err, subscriptiondomain.ErrInvalidTransition) || errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		log.Warn("subscription left unchanged", zap.Error(err))
		return nil
	}
	log.Error("subscription status sync failed", zap.Error(err))
	s.tracker.Capture(ctx, err, map[string]string{"component": "dunning", "subscription_id": subscriptionID.String()})
	return fmt.Errorf("sync subscription to %s: %w", to, err)
}

func (s *Service) update(ctx context.Context, state *dunningdomain.DunningState, values map[string]any) error {
	ok, err := s.repo.UpdateVersioned(ctx, state.ID, state.Version, values)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: subscription %s", dunningdomain.ErrConcurrentUpdate, state.SubscriptionID)
	}
	return nil
}

func (s *Service) reload(ctx context.Context, subscriptionID snowflake.ID) (*dunningdomain.DunningState, error) {
	return s.Get(ctx, subscriptionID)
}

func (s *Service) schedule(ctx context.Context, subscriptionID snowflake.ID, runAt time.Time) error {
	payload, err := jobqueue.NewPayload(JobKind, jobBody{SubscriptionID: subscriptionID})
	if err != nil {
		return err
	}
	if err := s.jobs.Schedule(ctx, JobKey(subscriptionID), runAt, payload); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}

func (s *Service) transitioned(ctx context.Context, from *dunningdomain.DunningState, to dunningdomain.CalendarEntry, days int, nextRetryAt *time.Time) {
	s.obsMetrics.RecordDunningTransition(ctx, string(from.State), string(to.State))
	if !to.Notify {
		return
	}
	extra := map[string]any{"days_since_failure": days}
	if nextRetryAt != nil {
		extra["next_retry_at"] = nextRetryAt.UTC().Format(time.RFC3339)
	}
	s.notify(ctx, from, to.Template, extra)
}

func (s *Service) notify(ctx context.Context, state *dunningdomain.DunningState, template string, extra map[string]any) {
	msgCtx := map[string]any{
		"subscription_id": state.SubscriptionID.String(),
		"failed_at":       state.FailedAt.UTC().Format(time.RFC3339),
	}
	if state.LastError != nil {
		msgCtx["last_error"] = *state.LastError
	}
	for k, v := range extra {
		msgCtx[k] = v
	}
	s.notifier.Send(ctx, notification.Message{
		TemplateID: template,
		Ref:        state.SubscriptionID.String(),
		OrgID:      state.OrgID.String(),
		Context:    msgCtx,
		SentAt:     s.clock.Now(),
	})
}

func mergeMetadata(current datatypes.JSONMap, extra map[string]any) datatypes.JSONMap {
	merged := make(datatypes.JSONMap, len(current)+len(extra))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range extra {
		if v == nil {
			continue
		}
		if str, ok := v.(string); ok && strings.TrimSpace(str) == "" {
			continue
		}
		merged[k] = v
	}
	return merged
}

func declineReason(result processor.InvoiceRetryResult, err error) string {
	if err != nil {
		return truncate(err.Error(), maxErrorLength)
	}
	parts := make([]string, 0, 2)
	if result.FailureCode != "" {
		parts = append(parts, result.FailureCode)
	}
	if result.FailureMessage != "" {
		parts = append(parts, result.FailureMessage)
	}
	if len(parts) == 0 {
		return "payment_declined"
	}
	return truncate(strings.Join(parts, ": "), maxErrorLength)
}

func lastErrorPtr(msg string) *string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return nil
	}
	msg = truncate(msg, maxErrorLength)
	return &msg
}

func stateOf(state *dunningdomain.DunningState) string {
	if state == nil {
		return "none"
	}
	return string(state.State)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
