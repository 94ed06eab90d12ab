package repository

import (
	"context"
	"time"

	"eduvault-payments/internal/domain/model"
)

// SubscriptionRepository is the subscription ledger.
//
// Every status transition is a single conditional update keyed on the row
// still being pending. The Mark* methods report applied=false (and no error)
// when the row had already left pending; callers treat that as "someone else
// reconciled it first".
type SubscriptionRepository interface {
	CreatePending(ctx context.Context, tx Tx, s *model.Subscription) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Subscription, error)
	FindByCorrelationID(ctx context.Context, tx Tx, correlationID string, status model.SubscriptionStatus) (*model.Subscription, error)
	FindActiveEntitlement(ctx context.Context, tx Tx, key model.EntitlementKey, now time.Time) (*model.Subscription, error)
	FindPendingOlderThan(ctx context.Context, tx Tx, cutoff time.Time, limit int) ([]*model.Subscription, error)

	// SetExternalCorrelationID assigns the provider ids once; ErrConflict if already set.
	SetExternalCorrelationID(ctx context.Context, tx Tx, id, correlationID, merchantRequestID string) error

	// MarkCompleted sets completed + is_entitled. window is nil unless the
	// entitlement window should restart at confirmation time.
	MarkCompleted(ctx context.Context, tx Tx, id, receiptID string, completedAt time.Time, window *model.EntitlementWindow) (bool, error)
	MarkFailed(ctx context.Context, tx Tx, id, reason string) (bool, error)
	MarkExpired(ctx context.Context, tx Tx, id, reason string) (bool, error)
	ExpirePendingOlderThan(ctx context.Context, tx Tx, cutoff time.Time, reason string) (int64, error)

	// ClearLapsedEntitlements resets the is_entitled cache on rows whose window closed.
	ClearLapsedEntitlements(ctx context.Context, tx Tx, now time.Time) (int64, error)
}
