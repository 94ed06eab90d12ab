package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"eduvault-payments/internal/usecase"
)

// PendingReconciler is the part of PaymentUseCase the reconciler drives.
type PendingReconciler interface {
	ReconcilePending(ctx context.Context, olderThan time.Duration, limit, concurrency int) (*usecase.ReconcileReport, error)
}

// PaymentReconciler periodically polls the provider for pending subscriptions
// whose callback never arrived (lost webhook, crash between push and callback).
type PaymentReconciler struct {
	uc          PendingReconciler
	interval    time.Duration // how often to scan
	staleAfter  time.Duration // how old a pending row must be before polling
	batchSize   int
	concurrency int
	log         *zerolog.Logger
}

func NewPaymentReconciler(uc PendingReconciler, interval, staleAfter time.Duration, batchSize, concurrency int, logger *zerolog.Logger) *PaymentReconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	compLog := logger.With().Str("component", "PaymentReconciler").Logger()
	return &PaymentReconciler{
		uc:          uc,
		interval:    interval,
		staleAfter:  staleAfter,
		batchSize:   batchSize,
		concurrency: concurrency,
		log:         &compLog,
	}
}

func (w *PaymentReconciler) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Dur("stale_after", w.staleAfter).Msg("Starting payment reconciler")
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping payment reconciler")
			return ctx.Err()
		case <-t.C:
			w.tick(ctx)
		}
	}
}

func (w *PaymentReconciler) tick(ctx context.Context) {
	report, err := w.uc.ReconcilePending(ctx, w.staleAfter, w.batchSize, w.concurrency)
	if err != nil {
		w.log.Error().Err(err).Msg("payment reconciler pass failed")
		return
	}
	if report.Examined > 0 {
		w.log.Debug().Interface("report", report).Msg("payment reconciler pass")
	}
}
