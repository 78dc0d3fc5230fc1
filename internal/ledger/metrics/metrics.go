package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the ledger module.
type Metrics struct {
	// Operation outcomes by operation and result code
	Operations *prometheus.CounterVec

	// Operation latency including lock wait
	OperationLatency *prometheus.HistogramVec
}

// New creates a new Metrics instance with all ledger metrics registered.
func New() *Metrics {
	return &Metrics{
		Operations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bankfisc_ledger_operations_total",
			Help: "Total ledger operations by operation and outcome",
		}, []string{"operation", "outcome"}),

		OperationLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bankfisc_ledger_operation_duration_seconds",
			Help:    "Duration of ledger operations including per-client lock wait",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"operation"}),
	}
}

// ObserveOperation records the outcome and duration of a ledger operation.
func (m *Metrics) ObserveOperation(operation, outcome string, d time.Duration) {
	if m != nil {
		m.Operations.WithLabelValues(operation, outcome).Inc()
		m.OperationLatency.WithLabelValues(operation).Observe(d.Seconds())
	}
}
