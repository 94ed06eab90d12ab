// File: internal/usecase/reconcile_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"eduvault-payments/internal/domain"
	"eduvault-payments/internal/domain/model"
	"eduvault-payments/internal/domain/ports/repository"
	"eduvault-payments/internal/infra/logging"
	"eduvault-payments/internal/infra/metrics"
)

var txOptions = pgx.TxOptions{}

const callbackWorkTimeout = 10 * time.Second

// Outcome of applying one provider result to the ledger.
type Outcome string

const (
	OutcomeCompleted         Outcome = "completed"
	OutcomeFailed            Outcome = "failed"
	OutcomeStillPending      Outcome = "still_pending"
	OutcomeAlreadyReconciled Outcome = "already_reconciled"
	OutcomeExpired           Outcome = "expired"
	OutcomeError             Outcome = "error"
)

// ReconcileReport summarises one ReconcilePending sweep.
type ReconcileReport struct {
	Examined          int `json:"examined"`
	Completed         int `json:"completed"`
	Failed            int `json:"failed"`
	StillPending      int `json:"still_pending"`
	AlreadyReconciled int `json:"already_reconciled"`
	Expired           int `json:"expired"`
	Errors            int `json:"errors"`
}

func (r *ReconcileReport) add(o Outcome) {
	switch o {
	case OutcomeCompleted:
		r.Completed++
	case OutcomeFailed:
		r.Failed++
	case OutcomeStillPending:
		r.StillPending++
	case OutcomeAlreadyReconciled:
		r.AlreadyReconciled++
	case OutcomeExpired:
		r.Expired++
	default:
		r.Errors++
	}
}

func (u *paymentUC) HandleCallback(ctx context.Context, raw []byte) model.CallbackAck {
	started := time.Now()
	// The provider may hang up early; finish the ledger work regardless.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), callbackWorkTimeout)
	defer cancel()
	log := logging.With(ctx, u.log)

	out, err := u.gateway.ParseCallback(raw)
	if err != nil {
		log.Warn().Err(err).Str("payload", truncate(raw, 2048)).Msg("malformed payment callback")
		u.appendEvent(ctx, log, repository.NoTX, &model.PaymentEvent{
			Source:     model.EventSourceCallback,
			Kind:       model.EventKindMalformed,
			ResultDesc: err.Error(),
			Payload:    raw,
		})
		metrics.ObserveCallback("rejected", "malformed", started)
		return model.AcceptedAck()
	}
	log = withOutcome(log, out)

	sub, err := u.subs.FindByCorrelationID(ctx, repository.NoTX, out.ExternalCorrelationID, model.SubscriptionStatusPending)
	if errors.Is(err, domain.ErrNotFound) {
		u.unmatched(ctx, log, out)
		metrics.ObserveCallback("ignored", "unmatched", started)
		return model.AcceptedAck()
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to look up subscription for callback")
		metrics.ObserveCallback("error", "lookup", started)
		return model.AcceptedAck()
	}

	res, err := u.applyOutcome(ctx, sub, out)
	if err != nil {
		log.Error().Err(err).Msg("failed to apply callback outcome")
		metrics.ObserveCallback("error", "apply", started)
		return model.AcceptedAck()
	}
	metrics.ObserveCallback("applied", string(res), started)
	return model.AcceptedAck()
}

// unmatched records a callback whose correlation id has no pending row. A
// duplicate for an already-reconciled row is tied back to it; anything else
// stays orphaned.
func (u *paymentUC) unmatched(ctx context.Context, log *zerolog.Logger, out *model.TransactionOutcome) {
	ev := &model.PaymentEvent{
		CorrelationID: out.ExternalCorrelationID,
		Source:        model.EventSourceCallback,
		Kind:          model.EventKindUnmatched,
		ResultCode:    out.ResultCode,
		ResultDesc:    out.ResultDescription,
		Payload:       out.Raw,
	}
	if prior, err := u.subs.FindByCorrelationID(ctx, repository.NoTX, out.ExternalCorrelationID, ""); err == nil {
		ev.SubscriptionID = &prior.ID
		ev.Kind = model.EventKindIgnored
		log.Info().Str("subscription_id", prior.ID).Str("status", string(prior.Status)).Msg("callback for already reconciled subscription ignored")
	} else {
		log.Warn().Msg("callback for unknown checkout request")
	}
	u.appendEvent(ctx, log, repository.NoTX, ev)
}

func (u *paymentUC) QueryStatus(ctx context.Context, subscriberID, subscriptionID string) (*SubscriptionView, error) {
	sub, err := u.owned(ctx, subscriberID, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != model.SubscriptionStatusPending || sub.CorrelationID() == "" {
		return NewSubscriptionView(sub, u.policy.Now()), nil
	}

	ctx = logging.WithSubscriptionID(ctx, sub.ID)
	out, err := u.gateway.QueryPushStatus(ctx, sub.CorrelationID())
	if err != nil {
		logging.With(ctx, u.log).Warn().Err(err).Msg("status query failed")
		return nil, err
	}
	if _, err := u.applyOutcome(ctx, sub, out); err != nil {
		return nil, err
	}

	sub, err = u.subs.FindByID(ctx, repository.NoTX, sub.ID)
	if err != nil {
		return nil, err
	}
	return NewSubscriptionView(sub, u.policy.Now()), nil
}

func (u *paymentUC) owned(ctx context.Context, subscriberID, subscriptionID string) (*model.Subscription, error) {
	if subscriberID == "" || subscriptionID == "" {
		return nil, domain.ErrNotFound
	}
	sub, err := u.subs.FindByID(ctx, repository.NoTX, subscriptionID)
	if err != nil {
		return nil, err
	}
	// Someone else's subscription is indistinguishable from a missing one.
	if sub.SubscriberID != subscriberID {
		return nil, domain.ErrNotFound
	}
	return sub, nil
}

func (u *paymentUC) ReconcilePending(ctx context.Context, olderThan time.Duration, limit, concurrency int) (*ReconcileReport, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	cutoff := u.policy.Now().Add(-olderThan)
	rows, err := u.subs.FindPendingOlderThan(ctx, repository.NoTX, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending subscriptions: %w", err)
	}

	report := &ReconcileReport{Examined: len(rows)}
	var mu sync.Mutex
	tally := func(o Outcome) {
		metrics.IncReconcilerOutcome(string(o))
		mu.Lock()
		report.add(o)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, sub := range rows {
		sub := sub
		g.Go(func() error {
			tally(u.reconcileOne(gctx, sub))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	if ctx.Err() != nil {
		return report, ctx.Err()
	}

	u.log.Info().
		Int("examined", report.Examined).
		Int("completed", report.Completed).
		Int("failed", report.Failed).
		Int("still_pending", report.StillPending).
		Int("errors", report.Errors).
		Msg("pending reconciliation finished")
	return report, nil
}

func (u *paymentUC) reconcileOne(ctx context.Context, sub *model.Subscription) Outcome {
	ctx = logging.WithSubscriptionID(ctx, sub.ID)
	log := logging.With(ctx, u.log)

	// Without a correlation id no callback or query can ever match the row.
	if sub.CorrelationID() == "" {
		applied, err := u.transition(ctx, sub, model.EventSourceSweep, model.EventKindExpired, "", "push was never acknowledged by the provider", nil, func(ctx context.Context, tx repository.Tx) (bool, error) {
			return u.subs.MarkExpired(ctx, tx, sub.ID, "push was never acknowledged by the provider")
		})
		switch {
		case err != nil:
			log.Error().Err(err).Msg("failed to expire unacknowledged subscription")
			return OutcomeError
		case !applied:
			return OutcomeAlreadyReconciled
		}
		return OutcomeExpired
	}

	out, err := u.gateway.QueryPushStatus(ctx, sub.CorrelationID())
	if err != nil {
		log.Warn().Err(err).Str("checkout_request_id", sub.CorrelationID()).Msg("status query failed during sweep")
		return OutcomeError
	}
	res, err := u.applyOutcome(ctx, sub, out)
	if err != nil {
		log.Error().Err(err).Msg("failed to apply polled outcome")
		return OutcomeError
	}
	return res
}

func (u *paymentUC) ExpireStalePending(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := u.policy.Now().Add(-maxAge)
	n, err := u.subs.ExpirePendingOlderThan(ctx, repository.NoTX, cutoff, "no payment outcome within "+maxAge.String())
	if err != nil {
		return 0, err
	}
	metrics.AddSubscriptionsExpired("pending_expired", n)
	if n > 0 {
		u.log.Info().Int64("count", n).Dur("max_age", maxAge).Msg("expired stale pending subscriptions")
	}
	return n, nil
}

// applyOutcome is the single place a provider result moves a ledger row, for
// both the callback and the polling path. Losing a race to another path is
// reported as OutcomeAlreadyReconciled, never as an error.
func (u *paymentUC) applyOutcome(ctx context.Context, sub *model.Subscription, out *model.TransactionOutcome) (Outcome, error) {
	log := withOutcome(logging.With(ctx, u.log), out)
	source := model.EventSourceCallback
	if out.Source == model.OutcomeSourcePoll {
		source = model.EventSourcePoll
	}

	class := out.Class
	if class == model.ResultUnrecognized {
		if out.Source == model.OutcomeSourcePoll {
			// A status query we cannot read proves nothing; leave the row for the next pass.
			log.Warn().Str("payload", truncate(out.Raw, 2048)).Msg("unrecognized result code from status query")
			u.appendEvent(ctx, log, repository.NoTX, u.outcomeEvent(sub, out, source, model.EventKindIgnored, out.ResultDescription))
			return OutcomeStillPending, nil
		}
		class = model.ResultFailed
	}

	switch class {
	case model.ResultPending:
		if source == model.EventSourcePoll {
			u.appendEvent(ctx, log, repository.NoTX, u.outcomeEvent(sub, out, source, model.EventKindStillPending, out.ResultDescription))
		}
		return OutcomeStillPending, nil

	case model.ResultSucceeded:
		if out.Amount != nil && *out.Amount != sub.Amount {
			reason := fmt.Sprintf("amount mismatch: paid %d, expected %d", *out.Amount, sub.Amount)
			log.Warn().Int64("paid", *out.Amount).Int64("expected", sub.Amount).Str("payload", truncate(out.Raw, 2048)).Msg("payment amount mismatch")
			return u.fail(ctx, log, sub, out, source, reason)
		}
		return u.complete(ctx, log, sub, out, source)

	default:
		reason := out.ResultDescription
		if reason == "" {
			reason = "result code " + out.ResultCode
		}
		if out.Class == model.ResultUnrecognized {
			reason = fmt.Sprintf("unrecognized result code %s: %s", out.ResultCode, out.ResultDescription)
			log.Warn().Str("payload", truncate(out.Raw, 2048)).Msg("unrecognized result code on callback")
		}
		return u.fail(ctx, log, sub, out, source, reason)
	}
}

func (u *paymentUC) complete(ctx context.Context, log *zerolog.Logger, sub *model.Subscription, out *model.TransactionOutcome, source model.PaymentEventSource) (Outcome, error) {
	// Our clock, not the provider's TransactionDate.
	completedAt := u.policy.Now()
	if out.TransactionTime != nil {
		l := log.With().Time("transaction_time", *out.TransactionTime).Logger()
		log = &l
	}
	var window *model.EntitlementWindow
	if u.policy.ExpiryAnchor == ExpiryAnchorConfirmation {
		w := model.NewEntitlementWindow(completedAt, u.policy.Duration)
		window = &w
	}

	applied, err := u.transition(ctx, sub, source, model.EventKindCompleted, out.ResultCode, out.ResultDescription, out, func(ctx context.Context, tx repository.Tx) (bool, error) {
		return u.subs.MarkCompleted(ctx, tx, sub.ID, out.ReceiptID, completedAt, window)
	})
	if err != nil {
		return OutcomeError, err
	}
	if !applied {
		log.Info().Msg("subscription already reconciled")
		return OutcomeAlreadyReconciled, nil
	}

	metrics.IncPayment("succeeded")
	metrics.AddPaymentRevenue(sub.Currency, sub.Amount)
	log.Info().Str("receipt", out.ReceiptID).Msg("subscription completed")
	return OutcomeCompleted, nil
}

func (u *paymentUC) fail(ctx context.Context, log *zerolog.Logger, sub *model.Subscription, out *model.TransactionOutcome, source model.PaymentEventSource, reason string) (Outcome, error) {
	applied, err := u.transition(ctx, sub, source, model.EventKindFailed, out.ResultCode, reason, out, func(ctx context.Context, tx repository.Tx) (bool, error) {
		return u.subs.MarkFailed(ctx, tx, sub.ID, reason)
	})
	if err != nil {
		return OutcomeError, err
	}
	if !applied {
		log.Info().Msg("subscription already reconciled")
		return OutcomeAlreadyReconciled, nil
	}

	metrics.IncPayment("failed")
	log.Info().Str("reason", reason).Msg("subscription failed")
	return OutcomeFailed, nil
}

// transition runs mark and its audit event in one transaction. A mark that
// matched no pending row is recorded as an ignored event.
func (u *paymentUC) transition(
	ctx context.Context,
	sub *model.Subscription,
	source model.PaymentEventSource,
	kind model.PaymentEventKind,
	code, desc string,
	out *model.TransactionOutcome,
	mark func(ctx context.Context, tx repository.Tx) (bool, error),
) (bool, error) {
	var applied bool
	err := u.tm.WithTx(ctx, txOptions, func(ctx context.Context, tx repository.Tx) error {
		var err error
		applied, err = mark(ctx, tx)
		if err != nil {
			return err
		}
		ev := &model.PaymentEvent{
			ID:             ulid.Make().String(),
			SubscriptionID: &sub.ID,
			CorrelationID:  sub.CorrelationID(),
			Source:         source,
			Kind:           kind,
			ResultCode:     code,
			ResultDesc:     desc,
			CreatedAt:      u.policy.Now(),
		}
		if out != nil {
			ev.Payload = out.Raw
		}
		if !applied {
			ev.Kind = model.EventKindIgnored
		}
		return u.events.Append(ctx, tx, ev)
	})
	return applied, err
}

func (u *paymentUC) outcomeEvent(sub *model.Subscription, out *model.TransactionOutcome, source model.PaymentEventSource, kind model.PaymentEventKind, desc string) *model.PaymentEvent {
	return &model.PaymentEvent{
		SubscriptionID: &sub.ID,
		CorrelationID:  out.ExternalCorrelationID,
		Source:         source,
		Kind:           kind,
		ResultCode:     out.ResultCode,
		ResultDesc:     desc,
		Payload:        out.Raw,
	}
}

func withOutcome(log *zerolog.Logger, out *model.TransactionOutcome) *zerolog.Logger {
	l := log.With().
		Str("checkout_request_id", out.ExternalCorrelationID).
		Str("result_code", out.ResultCode).
		Str("result_class", out.Class.String()).
		Str("source", string(out.Source)).
		Logger()
	return &l
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
