package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons on the publish side.
const (
	DropBufferFull  = "buffer_full"
	DropClosed      = "closed"
	DropBreakerOpen = "breaker_open"
	DropEncode      = "encode"
)

// Consume outcomes.
const (
	ConsumeHandled   = "handled"
	ConsumeMalformed = "malformed"
	ConsumeFailed    = "failed"
)

// Metrics provides observability for the notification pipeline.
type Metrics struct {
	Published   prometheus.Counter
	Dropped     *prometheus.CounterVec
	Failed      prometheus.Counter
	Consumed    *prometheus.CounterVec
	BufferDepth prometheus.Gauge
}

// New creates a new Metrics instance with all notification metrics registered.
func New() *Metrics {
	return &Metrics{
		Published: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bankfisc_notifications_published_total",
			Help: "Balance change notifications handed to the message channel",
		}),
		Dropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bankfisc_notifications_dropped_total",
			Help: "Balance change notifications dropped before reaching the channel, by reason",
		}, []string{"reason"}),
		Failed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bankfisc_notifications_publish_failed_total",
			Help: "Channel publish attempts that returned an error",
		}),
		Consumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bankfisc_notifications_consumed_total",
			Help: "Deliveries processed by the consumer, by outcome",
		}, []string{"outcome"}),
		BufferDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bankfisc_notifications_buffer_depth",
			Help: "Notifications waiting in the publisher buffer",
		}),
	}
}

func (m *Metrics) IncrementPublished() {
	if m != nil {
		m.Published.Inc()
	}
}

func (m *Metrics) IncrementDropped(reason string) {
	if m != nil {
		m.Dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncrementFailed() {
	if m != nil {
		m.Failed.Inc()
	}
}

func (m *Metrics) IncrementConsumed(outcome string) {
	if m != nil {
		m.Consumed.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) SetBufferDepth(n int) {
	if m != nil {
		m.BufferDepth.Set(float64(n))
	}
}
