package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"sxchain/core/events"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured chain events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sx",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of structured ledger events by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// RecordEvent increments the counter for the supplied event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil || eventType == "" {
		return
	}
	m.emitted.WithLabelValues(eventType).Inc()
}

// MeteredEmitter counts every event it sees before forwarding to the wrapped
// emitter. A nil next emitter only counts.
type MeteredEmitter struct {
	Next events.Emitter
}

func (m MeteredEmitter) Emit(evt events.Event) {
	Events().RecordEvent(evt.EventType())
	if m.Next != nil {
		m.Next.Emit(evt)
	}
}
