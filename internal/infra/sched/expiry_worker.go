package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type StalePendingExpirer interface {
	ExpireStalePending(ctx context.Context, maxAge time.Duration) (int64, error)
}

type LapsedEntitlementClearer interface {
	ClearLapsedEntitlements(ctx context.Context) (int64, error)
}

// ExpiryWorker periodically closes pending rows that never resolved and
// clears the is_entitled cache on rows whose window has passed.
type ExpiryWorker struct {
	interval      time.Duration
	pendingMaxAge time.Duration
	pending       StalePendingExpirer
	entitlements  LapsedEntitlementClearer
	log           *zerolog.Logger
}

func NewExpiryWorker(interval, pendingMaxAge time.Duration, pending StalePendingExpirer, entitlements LapsedEntitlementClearer, logger *zerolog.Logger) *ExpiryWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	if pendingMaxAge <= 0 {
		pendingMaxAge = 24 * time.Hour
	}
	exprLog := logger.With().Str("component", "ExpiryWorker").Logger()
	return &ExpiryWorker{
		interval:      interval,
		pendingMaxAge: pendingMaxAge,
		pending:       pending,
		entitlements:  entitlements,
		log:           &exprLog,
	}
}

func (w *ExpiryWorker) Run(ctx context.Context) error {
	w.log.Info().Msg("Starting expiry worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping expiry worker")
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *ExpiryWorker) tick(ctx context.Context) {
	if _, err := w.pending.ExpireStalePending(ctx, w.pendingMaxAge); err != nil {
		w.log.Error().Err(err).Msg("expire stale pending failed")
	}
	if _, err := w.entitlements.ClearLapsedEntitlements(ctx); err != nil {
		w.log.Error().Err(err).Msg("clear lapsed entitlements failed")
	}
}
