package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(reconcilerOutcomesTotal, subscriptionsExpiredTotal) }

var (
	reconcilerOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_outcomes_total",
			Help: "Pending subscriptions examined by the polling fallback, labeled by outcome.",
		},
		[]string{"outcome"}, // 'completed', 'failed', 'still_pending', 'already_reconciled', 'error'
	)

	subscriptionsExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscriptions_expired_total",
			Help: "Rows touched by the expiry jobs.",
		},
		[]string{"kind"}, // 'pending_expired', 'entitlement_cleared'
	)
)

func IncReconcilerOutcome(outcome string) {
	reconcilerOutcomesTotal.WithLabelValues(norm(outcome)).Inc()
}

func AddSubscriptionsExpired(kind string, n int64) {
	if n <= 0 {
		return
	}
	subscriptionsExpiredTotal.WithLabelValues(norm(kind)).Add(float64(n))
}
