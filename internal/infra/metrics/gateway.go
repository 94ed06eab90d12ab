package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		gatewayRequestsTotal,
		gatewayRequestDuration,
		gatewayTokenRefreshTotal,
	)
}

var (
	gatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Calls to the payment provider by operation and result (ok/rejected/unavailable).",
		},
		[]string{"operation", "result"},
	)

	gatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Payment provider call latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		},
		[]string{"operation"},
	)

	gatewayTokenRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_token_refresh_total",
			Help: "OAuth token refreshes against the payment provider.",
		},
		[]string{"result"},
	)
)

func ObserveGatewayCall(operation, result string, started time.Time) {
	gatewayRequestsTotal.WithLabelValues(norm(operation), norm(result)).Inc()
	gatewayRequestDuration.WithLabelValues(norm(operation)).Observe(time.Since(started).Seconds())
}

func IncTokenRefresh(result string) {
	gatewayTokenRefreshTotal.WithLabelValues(norm(result)).Inc()
}
