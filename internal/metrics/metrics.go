package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects wallet operation metrics for Prometheus.
type Metrics struct {
	operations    *prometheus.CounterVec
	retries       prometheus.Counter
	lockConflicts prometheus.Counter
	duration      *prometheus.HistogramVec
}

// New creates the wallet metric set and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Name:      "operations_total",
				Help:      "Total number of balance operations by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		retries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Name:      "operation_retries_total",
				Help:      "Total number of engine-internal retries after a conflict or lock timeout",
			},
		),
		lockConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Name:      "lock_conflicts_total",
				Help:      "Total number of version conflicts and lock wait timeouts observed",
			},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "wallet",
				Name:      "operation_duration_seconds",
				Help:      "Balance operation latency including engine retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),
	}

	reg.MustRegister(m.operations, m.retries, m.lockConflicts, m.duration)
	return m
}

// ObserveOperation records one completed operation.
func (m *Metrics) ObserveOperation(opType, outcome string, elapsed time.Duration) {
	m.operations.WithLabelValues(opType, outcome).Inc()
	m.duration.WithLabelValues(opType).Observe(elapsed.Seconds())
}

// IncRetry counts one engine-internal retry attempt.
func (m *Metrics) IncRetry() {
	m.retries.Inc()
}

// IncLockConflict counts one observed conflict or lock timeout.
func (m *Metrics) IncLockConflict() {
	m.lockConflicts.Inc()
}
