package repository

import (
	"context"

	"eduvault-payments/internal/domain/model"
)

type PaymentEventRepository interface {
	Append(ctx context.Context, tx Tx, ev *model.PaymentEvent) error
	ListBySubscription(ctx context.Context, tx Tx, subscriptionID string) ([]*model.PaymentEvent, error)
}
