package bsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsByStatus tracks the number of billing records in each stored status.
	RecordsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "schedmate",
		Subsystem: "billing",
		Name:      "records_by_status",
		Help:      "Number of billing records by stored status.",
	}, []string{"status"})

	// WebhookRequestsTotal counts webhook requests by provider, event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schedmate",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total payment webhook requests by provider, event type and HTTP status.",
	}, []string{"provider", "event_type", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "schedmate",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Payment webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "event_type"})

	// TransitionsTotal counts reconciler decisions by transition and outcome.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schedmate",
		Subsystem: "billing",
		Name:      "transitions_total",
		Help:      "Billing transitions by kind and outcome (applied, noop, stale, error).",
	}, []string{"transition", "outcome"})

	// CASConflictsTotal counts compare-and-set retries.
	CASConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "schedmate",
		Subsystem: "billing",
		Name:      "cas_conflicts_total",
		Help:      "Billing record writes that lost a compare-and-set race and were re-decided.",
	})

	// SweepRunsTotal counts sweep runs by outcome.
	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schedmate",
		Subsystem: "billing",
		Name:      "sweep_runs_total",
		Help:      "Scheduled sweep runs by outcome (ok, error, skipped).",
	}, []string{"outcome"})

	// SweepExpiredTotal counts records expired by the sweep.
	SweepExpiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schedmate",
		Subsystem: "billing",
		Name:      "sweep_expired_total",
		Help:      "Records expired by the sweep, by reason (trial, grace).",
	}, []string{"reason"})
)
