package router

import "github.com/prometheus/client_golang/prometheus"

const (
	frameRouted     = "routed"
	frameUnroutable = "unroutable"
	frameMalformed  = "malformed"
)

// Metrics holds router counters. A nil *Metrics records nothing.
type Metrics struct {
	Frames        *prometheus.CounterVec
	Publishes     *prometheus.CounterVec
	Subscriptions prometheus.Gauge
}

// NewMetrics creates router metrics and registers them with reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cloudide",
				Subsystem: "router",
				Name:      "frames_total",
				Help:      "Inbound frames by routing result",
			},
			[]string{"result"},
		),
		Publishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cloudide",
				Subsystem: "router",
				Name:      "publish_total",
				Help:      "Outbound publishes by result",
			},
			[]string{"result"},
		),
		Subscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "cloudide",
				Subsystem: "router",
				Name:      "subscriptions",
				Help:      "Live channel subscriptions",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Frames, m.Publishes, m.Subscriptions)
	}
	return m
}

func (m *Metrics) frame(result string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(result).Inc()
}

func (m *Metrics) publish(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.Publishes.WithLabelValues(result).Inc()
}

func (m *Metrics) subscribed(delta float64) {
	if m == nil {
		return
	}
	m.Subscriptions.Add(delta)
}
