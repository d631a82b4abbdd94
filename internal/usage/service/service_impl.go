package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recon/internal/clock"
	obsmetrics "github.com/smallbiznis/recon/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/recon/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type ServiceParam struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       usagedomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       usagedomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		log:        p.Log.Named("usage.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

// Record appends a usage event. A request carrying an idempotency key that
// was already accepted returns the stored event unchanged.
func (s *Service) Record(ctx context.Context, req usagedomain.RecordRequest) (*usagedomain.UsageEvent, error) {
	if req.OrgID == 0 {
		return nil, usagedomain.ErrInvalidOrganization
	}
	if !req.Feature.Valid() {
		return nil, usagedomain.ErrInvalidFeature
	}
	if req.Quantity <= 0 {
		return nil, usagedomain.ErrInvalidQuantity
	}

	now := s.clock.Now()
	occurredAt := req.Timestamp
	if occurredAt.IsZero() {
		occurredAt = now
	}
	if occurredAt.After(now.Add(maxClockSkew)) {
		return nil, usagedomain.ErrInvalidTimestamp
	}

	key := normalizeIdempotencyKey(req.IdempotencyKey)
	if key != nil {
		existing, err := s.repo.FindEventByIdempotencyKey(ctx, req.OrgID, *key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	event := &usagedomain.UsageEvent{
		ID:             s.genID.Generate(),
		OrgID:          req.OrgID,
		Feature:        req.Feature,
		Quantity:       req.Quantity,
		Timestamp:      occurredAt.UTC(),
		IdempotencyKey: key,
		CreatedAt:      now,
	}
	if req.Metadata != nil {
		event.Metadata = datatypes.JSONMap(req.Metadata)
	}

	inserted, err := s.repo.InsertEvent(ctx, event)
	if err != nil {
		return nil, err
	}
	if !inserted && key != nil {
		existing, err := s.repo.FindEventByIdempotencyKey(ctx, req.OrgID, *key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordUsage(ctx, string(event.Feature))
	}
	s.log.Debug("usage recorded",
		zap.String("org_id", event.OrgID.String()),
		zap.String("feature", string(event.Feature)),
		zap.Int64("quantity", event.Quantity),
		zap.String("event_id", event.ID.String()),
	)
	return event, nil
}

func normalizeIdempotencyKey(key *string) *string {
	if key == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*key)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
