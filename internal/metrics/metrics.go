package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// APIRequestsTotal tracks outbound calls to the BIDV OpenAPI.
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidv_api_requests_total",
			Help: "Total number of BIDV API requests made (by endpoint and outcome).",
		},
		[]string{"endpoint", "outcome"},
	)

	// APIRequestDuration measures the duration of outbound BIDV API calls.
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bidv_api_request_duration_seconds",
			Help:    "Duration of BIDV API requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms → ~40s
		},
		[]string{"endpoint"},
	)

	// PollCyclesTotal counts poll cycles by result.
	PollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_cycles_total",
			Help: "Total number of poll cycles (by result: ok, failed, skipped).",
		},
		[]string{"result"},
	)

	// NewTransactionsTotal counts transactions that passed the dedup gate.
	NewTransactionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "new_transactions_total",
			Help: "Total number of newly detected transactions.",
		},
	)

	// DedupHitsTotal counts records dropped as already seen.
	DedupHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dedup_hits_total",
			Help: "Total number of re-fetched records suppressed by the dedup store.",
		},
	)

	// NotifyTotal counts notification deliveries by channel and outcome.
	NotifyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_total",
			Help: "Notification deliveries (by channel and outcome).",
		},
		[]string{"channel", "outcome"},
	)

	// AccountBalance exposes the last known balance snapshot.
	AccountBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "account_balance",
			Help: "Last fetched account balance (by kind: available, current).",
		},
		[]string{"kind"},
	)

	// TokenRefreshTotal counts token refresh attempts by outcome.
	TokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_refresh_total",
			Help: "OAuth2 token refresh attempts (by outcome).",
		},
		[]string{"outcome"},
	)
)

// IncAPIRequest increments the BIDV API request counter.
func IncAPIRequest(endpoint, outcome string) {
	APIRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// ObserveAPIDuration records elapsed time since start for an endpoint.
func ObserveAPIDuration(endpoint string, start time.Time) {
	APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
