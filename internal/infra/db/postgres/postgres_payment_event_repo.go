package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4/pgxpool"

	"eduvault-payments/internal/domain"
	"eduvault-payments/internal/domain/model"
	"eduvault-payments/internal/domain/ports/repository"
)

var _ repository.PaymentEventRepository = (*paymentEventRepo)(nil)

type paymentEventRepo struct{ pool *pgxpool.Pool }

func NewPaymentEventRepo(pool *pgxpool.Pool) *paymentEventRepo {
	return &paymentEventRepo{pool: pool}
}

func (r *paymentEventRepo) Append(ctx context.Context, tx repository.Tx, ev *model.PaymentEvent) error {
	const q = `
INSERT INTO payment_events (id, subscription_id, correlation_id, source, kind, result_code, result_desc, payload, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9);`
	_, err := execSQL(ctx, r.pool, tx, q,
		ev.ID, ev.SubscriptionID, ev.CorrelationID, string(ev.Source), string(ev.Kind),
		ev.ResultCode, ev.ResultDesc, ev.Payload, ev.CreatedAt)
	return mapWriteErr(err)
}

func (r *paymentEventRepo) ListBySubscription(ctx context.Context, tx repository.Tx, subscriptionID string) ([]*model.PaymentEvent, error) {
	const q = `
SELECT id, subscription_id, correlation_id, source, kind, result_code, result_desc, payload, created_at
  FROM payment_events
 WHERE subscription_id=$1
 ORDER BY created_at ASC, id ASC;`
	rows, err := queryRows(ctx, r.pool, tx, q, subscriptionID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrInvalidExecContext) {
			return nil, err
		}
		return nil, domain.ErrOperationFailed
	}
	defer rows.Close()

	var out []*model.PaymentEvent
	for rows.Next() {
		ev := new(model.PaymentEvent)
		if err := rows.Scan(&ev.ID, &ev.SubscriptionID, &ev.CorrelationID, &ev.Source, &ev.Kind, &ev.ResultCode, &ev.ResultDesc, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, ev)
	}
	return out, nil
}
