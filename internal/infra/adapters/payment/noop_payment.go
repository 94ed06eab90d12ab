package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"eduvault-payments/internal/domain"
	"eduvault-payments/internal/domain/model"
	"eduvault-payments/internal/domain/ports/adapter"
)

var _ adapter.PaymentGateway = (*NoopPaymentGateway)(nil)

// NoopPaymentGateway is a simple in-memory gateway to use in tests and --dev.
// Pushes stay pending until Resolve is called.
type NoopPaymentGateway struct {
	mu      sync.Mutex
	seq     int64
	pushes  map[string]adapter.PushRequest
	results map[string]string // checkout id -> result code
}

func NewNoopPaymentGateway() *NoopPaymentGateway {
	return &NoopPaymentGateway{
		pushes:  make(map[string]adapter.PushRequest),
		results: make(map[string]string),
	}
}

func (g *NoopPaymentGateway) Name() string { return "noop" }

func (g *NoopPaymentGateway) next() string {
	g.seq++
	return fmt.Sprintf("ws_CO_noop_%d", g.seq)
}

func (g *NoopPaymentGateway) NormalizePhone(raw string) (string, error) {
	return normalizeAndValidate(raw)
}

func (g *NoopPaymentGateway) ParseCallback(raw []byte) (*model.TransactionOutcome, error) {
	return parseCallback(raw)
}

func (g *NoopPaymentGateway) InitiatePush(ctx context.Context, req adapter.PushRequest) (*adapter.PushAcknowledgement, error) {
	if req.Amount < MinPushAmount || req.Amount > MaxPushAmount {
		return nil, domain.NewFieldError("amount", fmt.Sprintf("must be between %d and %d", MinPushAmount, MaxPushAmount))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.next()
	g.pushes[id] = req
	raw, _ := json.Marshal(map[string]string{"CheckoutRequestID": id, "ResponseCode": "0"})
	return &adapter.PushAcknowledgement{
		CheckoutRequestID:   id,
		MerchantRequestID:   "noop-merchant-" + id,
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
		Raw:                 raw,
	}, nil
}

// Resolve fixes the result code QueryPushStatus reports for checkoutID.
func (g *NoopPaymentGateway) Resolve(checkoutID, resultCode string) {
	g.mu.Lock()
	g.results[checkoutID] = resultCode
	g.mu.Unlock()
}

func (g *NoopPaymentGateway) QueryPushStatus(ctx context.Context, checkoutID string) (*model.TransactionOutcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pushes[checkoutID]; !ok {
		return nil, &domain.GatewayError{Kind: domain.ErrGatewayRejected, Op: "noop.query", Code: "400.002.02", Message: "Invalid CheckoutRequestID"}
	}
	rc, ok := g.results[checkoutID]
	if !ok {
		rc = model.ErrorCodeBeingProcessed
	}
	class := model.ClassifyResultCode(rc)
	return &model.TransactionOutcome{
		ExternalCorrelationID: checkoutID,
		ResultCode:            rc,
		ResultDescription:     "noop result " + rc,
		Class:                 class,
		Succeeded:             class == model.ResultSucceeded,
		Source:                model.OutcomeSourcePoll,
	}, nil
}
