package fanout

import "github.com/prometheus/client_golang/prometheus"

// Metrics exports bridge activity. A nil *Metrics records nothing.
type Metrics struct {
	events       *prometheus.CounterVec
	resubscribes *prometheus.CounterVec
}

// NewMetrics creates the bridge collectors and registers them with reg when
// it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "fanout",
			Name:      "events_total",
			Help:      "Change events broadcast, by collection and kind.",
		}, []string{"collection", "kind"}),
		resubscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "fanout",
			Name:      "resubscribes_total",
			Help:      "Store subscriptions re-established after cancellation.",
		}, []string{"collection"}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.resubscribes)
	}
	return m
}

func (m *Metrics) event(collection string, kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(collection, kind).Inc()
}

func (m *Metrics) resubscribed(collection string) {
	if m == nil {
		return
	}
	m.resubscribes.WithLabelValues(collection).Inc()
}
