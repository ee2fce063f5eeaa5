package stream

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes dispatcher counters to Prometheus. Kept separate from the
// running totals in DispatchStats so tests can run without a registry.
type Metrics struct {
	NotificationsSent    prometheus.Counter
	NotificationsFailed  prometheus.Counter
	NotificationsDropped prometheus.Counter
	DeliveryRetries      prometheus.Counter
	DispatchLatency      prometheus.Histogram
}

// NewMetrics creates and registers the dispatcher metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "domohist",
			Subsystem: "dispatch",
			Name:      "notifications_sent_total",
			Help:      "Notifications delivered successfully.",
		}),
		NotificationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "domohist",
			Subsystem: "dispatch",
			Name:      "notifications_failed_total",
			Help:      "Notifications that exhausted their delivery retries.",
		}),
		NotificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "domohist",
			Subsystem: "dispatch",
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because a client channel was full.",
		}),
		DeliveryRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "domohist",
			Subsystem: "dispatch",
			Name:      "delivery_retries_total",
			Help:      "Individual delivery retry attempts.",
		}),
		DispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "domohist",
			Subsystem: "dispatch",
			Name:      "latency_seconds",
			Help:      "Enqueue-to-delivery latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.NotificationsSent,
			m.NotificationsFailed,
			m.NotificationsDropped,
			m.DeliveryRetries,
			m.DispatchLatency,
		)
	}
	return m
}
