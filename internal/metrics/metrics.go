// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Acquisitions tracks lock acquisition attempts by kind and outcome.
	Acquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pglock_acquisitions_total",
			Help: "Lock acquisition attempts by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// AcquireDuration tracks how long acquisition attempts take, including
	// lock waits.
	AcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pglock_acquire_duration_seconds",
			Help:    "Lock acquisition duration in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 15, 60},
		},
		[]string{"kind"},
	)

	// WorkerIterations tracks prioritization worker sweeps by result.
	WorkerIterations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pglock_worker_iterations_total",
			Help: "Prioritization worker sweeps by result",
		},
		[]string{"result"},
	)

	// BlockersHandled tracks blocking sessions acted on by prioritization
	// workers.
	BlockersHandled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pglock_blockers_handled_total",
			Help: "Blocking sessions terminated or cancelled by prioritization workers",
		},
	)

	// ActiveWorkers tracks currently running prioritization workers.
	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pglock_active_workers",
			Help: "Currently running prioritization workers",
		},
	)
)

// ObserveAcquire records one acquisition attempt.
func ObserveAcquire(kind string, acquired bool, err error, elapsed time.Duration) {
	outcome := "acquired"
	switch {
	case err != nil:
		outcome = "error"
	case !acquired:
		outcome = "unavailable"
	}
	Acquisitions.WithLabelValues(kind, outcome).Inc()
	AcquireDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}
