package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes of applying a change notification.
const (
	OutcomeApplied   = "applied"
	OutcomeDiscarded = "discarded"
	OutcomeStale     = "stale"
)

// Metrics provides observability for the monitoring registry.
type Metrics struct {
	Notifications *prometheus.CounterVec
	Entries       prometheus.Gauge
}

// New creates a new Metrics instance with all registry metrics registered.
func New() *Metrics {
	return &Metrics{
		Notifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bankfisc_registry_notifications_total",
			Help: "Change notifications handled by the monitoring registry, by outcome",
		}, []string{"outcome"}),
		Entries: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bankfisc_registry_entries",
			Help: "Number of clients currently monitored",
		}),
	}
}

// IncrementOutcome counts one notification outcome.
func (m *Metrics) IncrementOutcome(outcome string) {
	if m != nil {
		m.Notifications.WithLabelValues(outcome).Inc()
	}
}

// EntryAdded bumps the monitored-client gauge.
func (m *Metrics) EntryAdded() {
	if m != nil {
		m.Entries.Inc()
	}
}

// EntryRemoved lowers the monitored-client gauge.
func (m *Metrics) EntryRemoved() {
	if m != nil {
		m.Entries.Dec()
	}
}
