// File: internal/usecase/subscription_uc.go
package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"eduvault-payments/internal/domain"
	"eduvault-payments/internal/domain/model"
	"eduvault-payments/internal/domain/ports/repository"
	"eduvault-payments/internal/infra/metrics"
)

// Compile-time check
var _ SubscriptionUseCase = (*subscriptionUC)(nil)

type SubscriptionUseCase interface {
	// GetStatus returns one of the subscriber's subscriptions with derived entitlement fields.
	GetStatus(ctx context.Context, subscriberID, subscriptionID string) (*SubscriptionView, error)
	// CheckEntitlement answers whether the subscriber may access a course year right now.
	CheckEntitlement(ctx context.Context, subscriberID, courseID string, year int) (*EntitlementView, error)
	// ClearLapsedEntitlements drops the is_entitled flag from rows whose window closed.
	ClearLapsedEntitlements(ctx context.Context) (int64, error)
}

// SubscriptionView is a subscription plus the fields derived at read time.
type SubscriptionView struct {
	Subscription      *model.Subscription
	IsCurrentlyActive bool
	DaysRemaining     int
}

func NewSubscriptionView(s *model.Subscription, now time.Time) *SubscriptionView {
	return &SubscriptionView{
		Subscription:      s,
		IsCurrentlyActive: s.IsCurrentlyActive(now),
		DaysRemaining:     s.DaysRemaining(now),
	}
}

type EntitlementView struct {
	HasSubscription bool
	Details         *SubscriptionView
}

type subscriptionUC struct {
	subs repository.SubscriptionRepository
	now  func() time.Time
	log  *zerolog.Logger
}

// NewSubscriptionUseCase builds the read side. now may be nil.
func NewSubscriptionUseCase(subs repository.SubscriptionRepository, now func() time.Time, logger *zerolog.Logger) *subscriptionUC {
	if now == nil {
		now = time.Now
	}
	compLog := logger.With().Str("component", "SubscriptionUseCase").Logger()
	return &subscriptionUC{subs: subs, now: now, log: &compLog}
}

func (uc *subscriptionUC) GetStatus(ctx context.Context, subscriberID, subscriptionID string) (*SubscriptionView, error) {
	if subscriberID == "" || subscriptionID == "" {
		return nil, domain.ErrNotFound
	}
	sub, err := uc.subs.FindByID(ctx, repository.NoTX, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.SubscriberID != subscriberID {
		return nil, domain.ErrNotFound
	}
	return NewSubscriptionView(sub, uc.now()), nil
}

func (uc *subscriptionUC) CheckEntitlement(ctx context.Context, subscriberID, courseID string, year int) (*EntitlementView, error) {
	key := model.EntitlementKey{SubscriberID: subscriberID, CourseID: courseID, Year: year}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	now := uc.now()
	sub, err := uc.subs.FindActiveEntitlement(ctx, repository.NoTX, key, now)
	if errors.Is(err, domain.ErrNotFound) {
		return &EntitlementView{}, nil
	}
	if err != nil {
		return nil, err
	}
	// The repository filters on expiry too; recheck against the same clock.
	if !sub.IsCurrentlyActive(now) {
		return &EntitlementView{}, nil
	}
	return &EntitlementView{HasSubscription: true, Details: NewSubscriptionView(sub, now)}, nil
}

func (uc *subscriptionUC) ClearLapsedEntitlements(ctx context.Context) (int64, error) {
	n, err := uc.subs.ClearLapsedEntitlements(ctx, repository.NoTX, uc.now())
	if err != nil {
		return 0, err
	}
	metrics.AddSubscriptionsExpired("entitlement_cleared", n)
	if n > 0 {
		uc.log.Info().Int64("count", n).Msg("cleared lapsed entitlements")
	}
	return n, nil
}
