package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	journaled *prometheus.CounterVec
	dropped   prometheus.Counter
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking the node event journal.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			journaled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bsn",
				Subsystem: "events",
				Name:      "journaled_total",
				Help:      "Count of journaled events segmented by event type.",
			}, []string{"type"}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bsn",
				Subsystem: "events",
				Name:      "subscriber_drops_total",
				Help:      "Count of events dropped because a subscriber buffer was full.",
			}),
		}
		prometheus.MustRegister(eventRegistry.journaled, eventRegistry.dropped)
	})
	return eventRegistry
}

// RecordJournaled increments the journal counter for the supplied event type.
func (m *eventMetrics) RecordJournaled(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.journaled.WithLabelValues(normalized).Inc()
}

// RecordSubscriberDrop counts one event lost to a slow subscriber.
func (m *eventMetrics) RecordSubscriberDrop() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
