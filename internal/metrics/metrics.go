// Package metrics holds the Prometheus collectors shared by the yield-sync components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LedgerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "yieldsync_ledger_request_duration_seconds",
			Help:    "Duration of ledger API requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~41s
		},
		[]string{"endpoint", "status"},
	)

	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yieldsync_retry_attempts_total",
			Help: "Total number of failed attempts that were scheduled for retry",
		},
		[]string{"policy"},
	)

	ClaimSyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yieldsync_claim_sync_total",
			Help: "Claim synchronizations by final state",
		},
		[]string{"state"},
	)

	PendingClaims = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "yieldsync_pending_claims",
			Help: "Number of claims waiting in the persisted replay queue",
		},
	)

	PollerInterval = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "yieldsync_poller_interval_seconds",
			Help: "Current interval of each periodic poller",
		},
		[]string{"poller"},
	)

	PollTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yieldsync_poll_total",
			Help: "Total number of poller runs",
		},
		[]string{"poller", "status"},
	)

	AnchorUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yieldsync_anchor_updates_total",
			Help: "Earnings anchor refresh results",
		},
		[]string{"result"},
	)

	WithdrawalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yieldsync_withdrawals_total",
			Help: "Withdrawal submissions by outcome",
		},
		[]string{"outcome"},
	)

	CompletionNotificationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "yieldsync_completion_notifications_total",
			Help: "Completed withdrawals surfaced to the user",
		},
	)

	ConfigRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yieldsync_config_refresh_total",
			Help: "Configuration refreshes by result",
		},
		[]string{"result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "yieldsync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"breaker"},
	)

	WebhookExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yieldsync_webhook_exports_total",
			Help: "Webhook batch deliveries by result",
		},
		[]string{"result"},
	)
)
