// File: internal/usecase/payment_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"eduvault-payments/internal/domain"
	"eduvault-payments/internal/domain/model"
	"eduvault-payments/internal/domain/ports/adapter"
	"eduvault-payments/internal/domain/ports/repository"
	"eduvault-payments/internal/infra/logging"
	"eduvault-payments/internal/infra/metrics"
)

// Compile-time check
var _ PaymentUseCase = (*paymentUC)(nil)

type PaymentUseCase interface {
	// Initiate creates a pending subscription and sends an STK push to the subscriber's phone.
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	// HandleCallback applies a provider webhook. The ack is always "Accepted".
	HandleCallback(ctx context.Context, raw []byte) model.CallbackAck
	// QueryStatus polls the provider for one of the subscriber's pending rows.
	QueryStatus(ctx context.Context, subscriberID, subscriptionID string) (*SubscriptionView, error)
	// ReconcilePending polls every pending row older than olderThan.
	ReconcilePending(ctx context.Context, olderThan time.Duration, limit, concurrency int) (*ReconcileReport, error)
	// ExpireStalePending closes pending rows that never got an outcome.
	ExpireStalePending(ctx context.Context, maxAge time.Duration) (int64, error)
}

const (
	ExpiryAnchorInitiation   = "initiation"
	ExpiryAnchorConfirmation = "confirmation"
)

// PaymentPolicy carries the commercial and throttling knobs for initiation.
type PaymentPolicy struct {
	Amount       int64
	Currency     string
	Duration     time.Duration
	ExpiryAnchor string

	InitiateLimit  int
	InitiateWindow time.Duration
	LockTTL        time.Duration

	// Dev disables phone redaction in logs.
	Dev bool
	// Now defaults to time.Now.
	Now func() time.Time
}

type InitiateRequest struct {
	SubscriberID string `json:"subscriberId" validate:"required,max=64"`
	CourseID     string `json:"courseId" validate:"required,max=64"`
	Year         int    `json:"year" validate:"required,min=1,max=6"`
	PhoneNumber  string `json:"phoneNumber" validate:"required,max=20"`
}

type InitiateResult struct {
	Subscription    *model.Subscription
	Acknowledgement *adapter.PushAcknowledgement
}

const compensationTimeout = 5 * time.Second

type paymentUC struct {
	subs    repository.SubscriptionRepository
	events  repository.PaymentEventRepository
	catalog repository.CatalogRepository
	gateway adapter.PaymentGateway
	locker  adapter.Locker
	limiter adapter.RateLimiter
	tm      repository.TransactionManager
	policy  PaymentPolicy
	log     *zerolog.Logger
}

// NewPaymentUseCase wires the payment flows. catalog, locker and limiter may be nil.
func NewPaymentUseCase(
	subs repository.SubscriptionRepository,
	events repository.PaymentEventRepository,
	catalog repository.CatalogRepository,
	gateway adapter.PaymentGateway,
	locker adapter.Locker,
	limiter adapter.RateLimiter,
	tm repository.TransactionManager,
	policy PaymentPolicy,
	logger *zerolog.Logger,
) *paymentUC {
	if policy.Now == nil {
		policy.Now = time.Now
	}
	if policy.Currency == "" {
		policy.Currency = "KES"
	}
	if policy.Duration <= 0 {
		policy.Duration = model.DefaultEntitlementDuration
	}
	if policy.ExpiryAnchor == "" {
		policy.ExpiryAnchor = ExpiryAnchorInitiation
	}
	if policy.LockTTL <= 0 {
		policy.LockTTL = 30 * time.Second
	}
	compLog := logger.With().Str("component", "PaymentUseCase").Logger()
	return &paymentUC{
		subs:    subs,
		events:  events,
		catalog: catalog,
		gateway: gateway,
		locker:  locker,
		limiter: limiter,
		tm:      tm,
		policy:  policy,
		log:     &compLog,
	}
}

func (u *paymentUC) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	phone, err := u.gateway.NormalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, err
	}
	key := model.EntitlementKey{SubscriberID: req.SubscriberID, CourseID: req.CourseID, Year: req.Year}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	ctx = logging.WithSubscriberID(ctx, key.SubscriberID)
	log := logging.With(ctx, u.log)

	if err := u.checkRate(ctx, log, key.SubscriberID); err != nil {
		return nil, err
	}

	unlock, err := u.lock(ctx, log, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := u.policy.Now()
	active, err := u.subs.FindActiveEntitlement(ctx, repository.NoTX, key, now)
	switch {
	case err == nil && active != nil:
		return nil, domain.ErrAlreadyEntitled
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	meta := u.describe(ctx, log, key)
	sub, err := model.NewPendingSubscription(ulid.Make().String(), key, u.policy.Amount, u.policy.Currency, phone, u.policy.Duration, now, meta)
	if err != nil {
		return nil, err
	}
	if err := u.subs.CreatePending(ctx, repository.NoTX, sub); err != nil {
		return nil, err
	}
	ctx = logging.WithSubscriptionID(ctx, sub.ID)
	log = logging.With(ctx, u.log)

	ack, err := u.gateway.InitiatePush(ctx, adapter.PushRequest{
		Phone:       phone,
		Amount:      sub.Amount,
		Reference:   accountReference(sub.ID),
		Description: fmt.Sprintf("Year %d access", sub.Year),
	})
	if err != nil {
		return nil, u.compensate(ctx, log, sub, err)
	}

	// The push already reached the provider: record it even if the caller is gone.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	if err := u.subs.SetExternalCorrelationID(rctx, repository.NoTX, sub.ID, ack.CheckoutRequestID, ack.MerchantRequestID); err != nil {
		log.Error().Err(err).Str("checkout_request_id", ack.CheckoutRequestID).Msg("failed to record correlation id")
		return nil, fmt.Errorf("record correlation id: %w", err)
	}
	cid, mid := ack.CheckoutRequestID, ack.MerchantRequestID
	sub.ExternalCorrelationID = &cid
	if mid != "" {
		sub.ExternalMerchantRequestID = &mid
	}
	u.appendEvent(rctx, log, repository.NoTX, &model.PaymentEvent{
		SubscriptionID: &sub.ID,
		CorrelationID:  cid,
		Source:         model.EventSourceInitiate,
		Kind:           model.EventKindAcknowledged,
		ResultCode:     ack.ResponseCode,
		ResultDesc:     ack.ResponseDescription,
		Payload:        ack.Raw,
	})

	metrics.IncPayment("initiated")
	log.Info().
		Str("checkout_request_id", cid).
		Str("phone", logging.Redact(phone, u.policy.Dev)).
		Int64("amount", sub.Amount).
		Msg("payment push sent")
	return &InitiateResult{Subscription: sub, Acknowledgement: ack}, nil
}

func (u *paymentUC) checkRate(ctx context.Context, log *zerolog.Logger, subscriberID string) error {
	if u.limiter == nil || u.policy.InitiateLimit <= 0 {
		return nil
	}
	ok, err := u.limiter.Allow(ctx, "rate_limit:initiate:"+subscriberID, u.policy.InitiateLimit, u.policy.InitiateWindow)
	if err != nil {
		// Throttling is advisory; a Redis outage must not block payments.
		log.Warn().Err(err).Msg("rate limiter unavailable, allowing initiation")
		return nil
	}
	if !ok {
		return domain.ErrRateLimited
	}
	return nil
}

// lock serialises initiations for one entitlement key across instances.
func (u *paymentUC) lock(ctx context.Context, log *zerolog.Logger, key model.EntitlementKey) (func(), error) {
	noop := func() {}
	if u.locker == nil {
		return noop, nil
	}
	lockKey := "lock:initiate:" + key.String()
	token, err := u.locker.TryLock(ctx, lockKey, u.policy.LockTTL)
	if errors.Is(err, domain.ErrPaymentInProgress) {
		return nil, err
	}
	if err != nil {
		log.Warn().Err(err).Str("lock_key", lockKey).Msg("initiation lock unavailable, continuing unlocked")
		return noop, nil
	}
	return func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := u.locker.Unlock(uctx, lockKey, token); err != nil {
			log.Warn().Err(err).Str("lock_key", lockKey).Msg("failed to release initiation lock")
		}
	}, nil
}

func (u *paymentUC) describe(ctx context.Context, log *zerolog.Logger, key model.EntitlementKey) model.DisplayMetadata {
	if u.catalog == nil {
		return model.DisplayMetadata{}
	}
	meta, err := u.catalog.Describe(ctx, repository.NoTX, key.SubscriberID, key.CourseID)
	if err != nil || meta == nil {
		log.Warn().Err(err).Str("course_id", key.CourseID).Msg("display metadata unavailable")
		return model.DisplayMetadata{}
	}
	return *meta
}

// compensate closes a pending row whose push never reached the subscriber and
// returns the error the caller should see.
func (u *paymentUC) compensate(ctx context.Context, log *zerolog.Logger, sub *model.Subscription, pushErr error) error {
	kind := model.EventKindUnavailable
	reason := "payment provider unavailable"
	var fe *domain.FieldError
	switch {
	case domain.Rejected(pushErr):
		kind = model.EventKindRejected
		reason = domain.ProviderMessage(pushErr)
	case errors.As(pushErr, &fe):
		kind = model.EventKindRejected
		reason = fe.Error()
	case !errors.Is(pushErr, domain.ErrGatewayUnavailable):
		pushErr = &domain.GatewayError{Kind: domain.ErrGatewayUnavailable, Op: "initiate push", Err: pushErr}
	}

	var code string
	var ge *domain.GatewayError
	if errors.As(pushErr, &ge) {
		code = ge.Code
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	err := u.tm.WithTx(cctx, txOptions, func(ctx context.Context, tx repository.Tx) error {
		if _, err := u.subs.MarkFailed(ctx, tx, sub.ID, reason); err != nil {
			return err
		}
		return u.events.Append(ctx, tx, &model.PaymentEvent{
			ID:             ulid.Make().String(),
			SubscriptionID: &sub.ID,
			Source:         model.EventSourceInitiate,
			Kind:           kind,
			ResultCode:     code,
			ResultDesc:     reason,
			CreatedAt:      u.policy.Now(),
		})
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to close pending subscription after push failure")
	}

	metrics.IncPayment("failed")
	log.Warn().Err(pushErr).Str("event", string(kind)).Msg("payment push failed")
	return pushErr
}

func (u *paymentUC) appendEvent(ctx context.Context, log *zerolog.Logger, tx repository.Tx, ev *model.PaymentEvent) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = u.policy.Now()
	}
	if err := u.events.Append(ctx, tx, ev); err != nil {
		log.Error().Err(err).Str("event", string(ev.Kind)).Msg("failed to append payment event")
	}
}

// accountReference fits the provider's 12-character AccountReference limit.
func accountReference(id string) string {
	if len(id) > 10 {
		id = id[len(id)-10:]
	}
	return "EV" + id
}
