package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		PaymentCallbackRequests,
		PaymentCallbackDuration,
	)
}

var (
	// Count of provider callbacks grouped by result and bounded reason.
	// result: applied|ignored|error
	// reason: completed|failed|amount_mismatch|malformed|unmatched|already_reconciled|store_error
	PaymentCallbackRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_callback_requests_total",
			Help: "Count of M-Pesa callbacks by result and reason.",
		},
		[]string{"result", "reason"},
	)

	PaymentCallbackDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_callback_duration_seconds",
			Help:    "Duration of callback handling in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"result"},
	)
)

func ObserveCallback(result, reason string, started time.Time) {
	PaymentCallbackRequests.WithLabelValues(norm(result), norm(reason)).Inc()
	PaymentCallbackDuration.WithLabelValues(norm(result)).Observe(time.Since(started).Seconds())
}
