package adapter

import (
	"context"
	"encoding/json"

	"eduvault-payments/internal/domain/model"
)

// PushRequest is everything a provider needs to prompt a subscriber's phone.
type PushRequest struct {
	Phone       string // canonical, see NormalizePhone
	Amount      int64
	Reference   string // shown on the subscriber's statement
	Description string
}

// PushAcknowledgement is the provider's synchronous answer to a push. The
// actual outcome arrives later through the callback.
type PushAcknowledgement struct {
	CheckoutRequestID   string
	MerchantRequestID   string
	ResponseCode        string
	ResponseDescription string
	CustomerMessage     string
	Raw                 json.RawMessage
}

// PaymentGateway is the hex port for push-payment providers.
type PaymentGateway interface {
	Name() string

	// NormalizePhone canonicalizes and validates a subscriber phone number. Pure.
	NormalizePhone(raw string) (string, error)

	// InitiatePush submits a push payment. Errors are *domain.GatewayError
	// (rejected vs unavailable) or a *domain.FieldError for bad input.
	InitiatePush(ctx context.Context, req PushRequest) (*PushAcknowledgement, error)

	// QueryPushStatus actively asks the provider how a push ended.
	QueryPushStatus(ctx context.Context, checkoutRequestID string) (*model.TransactionOutcome, error)

	// ParseCallback flattens the provider's webhook envelope.
	ParseCallback(raw []byte) (*model.TransactionOutcome, error)
}
