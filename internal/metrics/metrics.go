// Package metrics holds the Prometheus collectors for the entitlement service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "storefront"
	subsystem = "entitlements"
)

var (
	// DecisionsTotal counts entitlement checks by feature and outcome.
	// Outcome is "allowed" or the denial reason code.
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "decisions_total",
		Help:      "Entitlement decisions by feature and outcome.",
	}, []string{"feature", "outcome"})

	// CommitsTotal counts usage commits by feature and result.
	CommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "commits_total",
		Help:      "Usage commits by feature and result.",
	}, []string{"feature", "result"})

	// CreditsTotal counts credited units from one-time purchases.
	CreditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "credited_units_total",
		Help:      "Units credited to balances by feature.",
	}, []string{"feature"})

	// ResetsTotal counts balance resets by source.
	ResetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "balance_resets_total",
		Help:      "Balance resets to plan limits by source and outcome.",
	}, []string{"source", "outcome"})

	// StorageErrorsTotal counts storage failures surfaced to callers.
	StorageErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "storage_errors_total",
		Help:      "Storage failures by operation.",
	}, []string{"op"})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// RenewalRunsTotal counts renewal sweeps by outcome.
	RenewalRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "renewal_runs_total",
		Help:      "Renewal sweeps by outcome (ok, partial, failed, skipped).",
	}, []string{"outcome"})

	// HTTPRequestsTotal counts API requests by route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "http_requests_total",
		Help:      "API requests by route and HTTP status.",
	}, []string{"route", "status"})
)
