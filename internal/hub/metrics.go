package hub

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the hub gauges and counters. A nil *Metrics records nothing.
type Metrics struct {
	connections prometheus.Gauge
	roomCount   prometheus.Gauge
	deliveries  prometheus.Counter
	relayed     prometheus.Counter
}

// NewMetrics creates and registers the hub metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crm_sync_hub_connections",
			Help: "Current number of hub websocket connections.",
		}),
		roomCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crm_sync_hub_rooms",
			Help: "Current number of hub rooms with at least one member.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_sync_hub_frames_delivered_total",
			Help: "Total frames queued to hub clients.",
		}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_sync_hub_frames_relayed_total",
			Help: "Total frames received from other instances over redis.",
		}),
	}
	reg.MustRegister(m.connections, m.roomCount, m.deliveries, m.relayed)
	return m
}

func (m *Metrics) connected(delta int) {
	if m != nil {
		m.connections.Add(float64(delta))
	}
}

func (m *Metrics) rooms(n int) {
	if m != nil {
		m.roomCount.Set(float64(n))
	}
}

func (m *Metrics) delivered(n int) {
	if m != nil && n > 0 {
		m.deliveries.Add(float64(n))
	}
}

func (m *Metrics) relay() {
	if m != nil {
		m.relayed.Inc()
	}
}
