package protocol

import "github.com/prometheus/client_golang/prometheus"

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Metrics counts dispatched frames. A nil *Metrics records nothing.
type Metrics struct {
	frames *prometheus.CounterVec
}

// NewMetrics creates the dispatcher collectors and registers them with reg
// when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "protocol",
			Name:      "frames_total",
			Help:      "Inbound frames by endpoint and outcome.",
		}, []string{"endpoint", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.frames)
	}
	return m
}

func (m *Metrics) frame(endpoint Endpoint, status string) {
	if m == nil {
		return
	}
	if endpoint == "" {
		endpoint = "invalid"
	}
	m.frames.WithLabelValues(string(endpoint), status).Inc()
}
