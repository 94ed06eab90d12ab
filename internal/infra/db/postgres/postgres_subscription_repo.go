package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"eduvault-payments/internal/domain"
	"eduvault-payments/internal/domain/model"
	"eduvault-payments/internal/domain/ports/repository"
)

// Ensure subscriptionRepo implements repository.SubscriptionRepository
var _ repository.SubscriptionRepository = (*subscriptionRepo)(nil)

type subscriptionRepo struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepo(pool *pgxpool.Pool) *subscriptionRepo {
	return &subscriptionRepo{pool: pool}
}

const subscriptionColumns = `
  id, subscriber_id, course_id, year, amount, currency, payment_method, subscriber_phone,
  external_correlation_id, external_merchant_request_id, external_receipt_id,
  status, is_entitled, start_time, expiry_time, completed_at, failure_reason, metadata,
  created_at, updated_at`

func (r *subscriptionRepo) CreatePending(ctx context.Context, tx repository.Tx, s *model.Subscription) error {
	const q = `
INSERT INTO subscriptions (` + subscriptionColumns + `
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULL,NULL,NULL,'pending',FALSE,$9,$10,NULL,NULL,$11,$12,$12);`

	meta, err := json.Marshal(s.Metadata)
	if err != nil {
		return domain.ErrInvalidArgument
	}
	_, err = execSQL(ctx, r.pool, tx, q,
		s.ID, s.SubscriberID, s.CourseID, s.Year, s.Amount, s.Currency, s.PaymentMethod, s.SubscriberPhone,
		s.StartTime, s.ExpiryTime, string(meta), s.CreatedAt)
	return mapWriteErr(err)
}

func (r *subscriptionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id=$1`
	if _, ok := tx.(pgx.Tx); ok {
		q += " FOR UPDATE"
	}
	return r.queryOne(ctx, tx, q+";", id)
}

// FindByCorrelationID matches on the provider checkout id. An empty status matches any.
func (r *subscriptionRepo) FindByCorrelationID(ctx context.Context, tx repository.Tx, correlationID string, status model.SubscriptionStatus) (*model.Subscription, error) {
	const q = `
SELECT ` + subscriptionColumns + `
  FROM subscriptions
 WHERE external_correlation_id=$1 AND ($2 = '' OR status=$2)
 LIMIT 1;`
	return r.queryOne(ctx, tx, q, correlationID, string(status))
}

func (r *subscriptionRepo) FindActiveEntitlement(ctx context.Context, tx repository.Tx, key model.EntitlementKey, now time.Time) (*model.Subscription, error) {
	const q = `
SELECT ` + subscriptionColumns + `
  FROM subscriptions
 WHERE subscriber_id=$1 AND course_id=$2 AND year=$3
   AND status='completed' AND is_entitled AND expiry_time > $4
 ORDER BY expiry_time DESC
 LIMIT 1;`
	return r.queryOne(ctx, tx, q, key.SubscriberID, key.CourseID, key.Year, now)
}

func (r *subscriptionRepo) FindPendingOlderThan(ctx context.Context, tx repository.Tx, cutoff time.Time, limit int) ([]*model.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT ` + subscriptionColumns + `
  FROM subscriptions
 WHERE status='pending' AND created_at < $1
 ORDER BY created_at ASC
 LIMIT $2;`
	rows, err := queryRows(ctx, r.pool, tx, q, cutoff, limit)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrInvalidExecContext):
			return nil, err
		default:
			return nil, domain.ErrOperationFailed
		}
	}
	defer rows.Close()

	var out []*model.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if rows.Err() != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return out, nil
}

func (r *subscriptionRepo) SetExternalCorrelationID(ctx context.Context, tx repository.Tx, id, correlationID, merchantRequestID string) error {
	const q = `
UPDATE subscriptions
   SET external_correlation_id = $2,
       external_merchant_request_id = NULLIF($3, ''),
       updated_at = NOW()
 WHERE id = $1
   AND external_correlation_id IS NULL;`

	cmd, err := execSQL(ctx, r.pool, tx, q, id, correlationID, merchantRequestID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return mapWriteErr(err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// MarkCompleted atomically completes a pending row. A non-nil window restarts
// the entitlement at confirmation time.
func (r *subscriptionRepo) MarkCompleted(ctx context.Context, tx repository.Tx, id, receiptID string, completedAt time.Time, window *model.EntitlementWindow) (bool, error) {
	const q = `
UPDATE subscriptions
   SET status = 'completed',
       is_entitled = TRUE,
       external_receipt_id = NULLIF($2, ''),
       completed_at = $3,
       start_time = COALESCE($4, start_time),
       expiry_time = COALESCE($5, expiry_time),
       failure_reason = NULL,
       updated_at = NOW()
 WHERE id = $1
   AND status = 'pending'`

	var start, expiry *time.Time
	if window != nil {
		start, expiry = &window.Start, &window.Expiry
	}
	cmd, err := execSQL(ctx, r.pool, tx, q, id, receiptID, completedAt, start, expiry)
	if err != nil {
		return false, mapWriteErr(err)
	}
	return cmd.RowsAffected() >= 1, nil
}

func (r *subscriptionRepo) MarkFailed(ctx context.Context, tx repository.Tx, id, reason string) (bool, error) {
	return r.closePending(ctx, tx, id, model.SubscriptionStatusFailed, reason)
}

func (r *subscriptionRepo) MarkExpired(ctx context.Context, tx repository.Tx, id, reason string) (bool, error) {
	return r.closePending(ctx, tx, id, model.SubscriptionStatusExpired, reason)
}

func (r *subscriptionRepo) closePending(ctx context.Context, tx repository.Tx, id string, status model.SubscriptionStatus, reason string) (bool, error) {
	const q = `
UPDATE subscriptions
   SET status = $2,
       is_entitled = FALSE,
       failure_reason = $3,
       updated_at = NOW()
 WHERE id = $1
   AND status = 'pending'`

	cmd, err := execSQL(ctx, r.pool, tx, q, id, string(status), reason)
	if err != nil {
		return false, mapWriteErr(err)
	}
	return cmd.RowsAffected() >= 1, nil
}

func (r *subscriptionRepo) ExpirePendingOlderThan(ctx context.Context, tx repository.Tx, cutoff time.Time, reason string) (int64, error) {
	const q = `
UPDATE subscriptions
   SET status = 'expired',
       is_entitled = FALSE,
       failure_reason = $2,
       updated_at = NOW()
 WHERE status = 'pending'
   AND created_at < $1`

	cmd, err := execSQL(ctx, r.pool, tx, q, cutoff, reason)
	if err != nil {
		return 0, mapWriteErr(err)
	}
	return cmd.RowsAffected(), nil
}

func (r *subscriptionRepo) ClearLapsedEntitlements(ctx context.Context, tx repository.Tx, now time.Time) (int64, error) {
	const q = `
UPDATE subscriptions
   SET is_entitled = FALSE,
       updated_at = NOW()
 WHERE is_entitled
   AND expiry_time <= $1`

	cmd, err := execSQL(ctx, r.pool, tx, q, now)
	if err != nil {
		return 0, mapWriteErr(err)
	}
	return cmd.RowsAffected(), nil
}

func (r *subscriptionRepo) queryOne(ctx context.Context, tx repository.Tx, q string, args ...interface{}) (*model.Subscription, error) {
	row, err := pickRow(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanSubscription(row)
}

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	var (
		s    model.Subscription
		meta []byte
	)
	err := row.Scan(
		&s.ID, &s.SubscriberID, &s.CourseID, &s.Year, &s.Amount, &s.Currency, &s.PaymentMethod, &s.SubscriberPhone,
		&s.ExternalCorrelationID, &s.ExternalMerchantRequestID, &s.ExternalReceiptID,
		&s.Status, &s.IsEntitled, &s.StartTime, &s.ExpiryTime, &s.CompletedAt, &s.FailureReason, &meta,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, mapReadErr(err)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &s.Metadata)
	}
	return &s, nil
}
