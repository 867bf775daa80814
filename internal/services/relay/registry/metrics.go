package registry

import "github.com/prometheus/client_golang/prometheus"

// Metrics exports registry activity. A nil *Metrics records nothing.
type Metrics struct {
	sessions   prometheus.Gauge
	deliveries prometheus.Counter
	evictions  prometheus.Counter
}

// NewMetrics creates the registry collectors and registers them with reg
// when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Subsystem: "registry",
			Name:      "sessions",
			Help:      "Number of registered sessions.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "registry",
			Name:      "broadcast_deliveries_total",
			Help:      "Frames queued to sessions by broadcasts.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "registry",
			Name:      "slow_evictions_total",
			Help:      "Sessions closed because their outbox was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sessions, m.deliveries, m.evictions)
	}
	return m
}

func (m *Metrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) delivered(n int) {
	if m == nil {
		return
	}
	m.deliveries.Add(float64(n))
}

func (m *Metrics) evicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}
