// Package metrics exposes the worker's Prometheus instrumentation:
// package-level vars registered via promauto at import time, scraped via
// an HTTP handler wired up in cmd/worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispositionsTotal counts terminal delivery dispositions by outcome.
	DispositionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drayman_dispositions_total",
			Help: "Total number of delivery dispositions by outcome",
		},
		[]string{"outcome"},
	)

	// ProcessingDuration tracks handler execution time in seconds.
	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drayman_processing_duration_seconds",
			Help:    "Duration of handler invocations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)

	// ReconnectsTotal counts connection manager reconnects.
	ReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drayman_reconnects_total",
			Help: "Total number of broker reconnects",
		},
	)

	// WorkerState reports the current lifecycle state as a gauge, one
	// per known state, 1 for the active state and 0 for the rest.
	WorkerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drayman_worker_state",
			Help: "Current worker lifecycle state (1 = active, 0 = inactive)",
		},
		[]string{"state"},
	)

	// ErrorBudgetCount reports the current error-window failure count.
	ErrorBudgetCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drayman_error_budget_count",
			Help: "Current failure count within the error window",
		},
	)
)

// SetState flips the gauge for state on and every other known state off.
func SetState(states []string, active string) {
	for _, s := range states {
		if s == active {
			WorkerState.WithLabelValues(s).Set(1)
		} else {
			WorkerState.WithLabelValues(s).Set(0)
		}
	}
}
