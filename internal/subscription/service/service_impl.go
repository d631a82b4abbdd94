package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recon/internal/clock"
	subscriptiondomain "github.com/smallbiznis/recon/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/recon/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Service struct {
	log   *zap.Logger
	clock clock.Clock
	repo  subscriptiondomain.Repository
}

type ServiceParam struct {
	fx.In

	Log   *zap.Logger
	Clock clock.Clock
	Repo  subscriptiondomain.Repository
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		log:   p.Log.Named("subscription.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) GetByProcessorRef(ctx context.Context, ref string) (*subscriptiondomain.Subscription, error) {
	sub, err := s.repo.FindByProcessorRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) FindItemForFeature(ctx context.Context, orgID snowflake.ID, feature usagedomain.Feature) (*subscriptiondomain.SubscriptionItem, error) {
	item, err := s.repo.FindItemForFeature(ctx, orgID, feature)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, subscriptiondomain.ErrItemNotFound
	}
	return item, nil
}

// MarkPastDue flags an active subscription whose payment failed.
func (s *Service) MarkPastDue(ctx context.Context, id snowflake.ID) error {
	sub, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if sub.Status != subscriptiondomain.SubscriptionStatusActive {
		return nil
	}
	return s.transition(ctx, sub, subscriptiondomain.SubscriptionStatusPastDue, nil)
}

func (s *Service) Suspend(ctx context.Context, id snowflake.ID) error {
	sub, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	switch sub.Status {
	case subscriptiondomain.SubscriptionStatusSuspended:
		return nil
	case subscriptiondomain.SubscriptionStatusCanceled:
		return fmt.Errorf("%w: %s -> %s", subscriptiondomain.ErrInvalidTransition, sub.Status, subscriptiondomain.SubscriptionStatusSuspended)
	}
	now := s.clock.Now()
	return s.transition(ctx, sub, subscriptiondomain.SubscriptionStatusSuspended, &now)
}

func (s *Service) Reactivate(ctx context.Context, id snowflake.ID) error {
	sub, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	switch sub.Status {
	case subscriptiondomain.SubscriptionStatusActive:
		return nil
	case subscriptiondomain.SubscriptionStatusCanceled:
		return fmt.Errorf("%w: %s -> %s", subscriptiondomain.ErrInvalidTransition, sub.Status, subscriptiondomain.SubscriptionStatusActive)
	}
	return s.transition(ctx, sub, subscriptiondomain.SubscriptionStatusActive, nil)
}

func (s *Service) transition(ctx context.Context, sub *subscriptiondomain.Subscription, to subscriptiondomain.SubscriptionStatus, suspendedAt *time.Time) error {
	if _, err := s.repo.UpdateStatus(ctx, sub.ID, to, suspendedAt, s.clock.Now()); err != nil {
		return err
	}
	s.log.Info("subscription status changed",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("org_id", sub.OrgID.String()),
		zap.String("from", string(sub.Status)),
		zap.String("to", string(to)),
	)
	return nil
}
