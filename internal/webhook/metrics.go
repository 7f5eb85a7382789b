package webhook

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts webhook deliveries.
type Metrics struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the webhook collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_sync_webhook_events_total",
				Help: "Webhook deliveries by source, event and outcome.",
			},
			[]string{"source", "event", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crm_sync_webhook_duration_seconds",
				Help:    "Time spent handling a webhook delivery.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
	}
	reg.MustRegister(m.events, m.duration)
	return m
}

func (m *Metrics) observe(source Source, event string, outcome Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	// Unknown event names are not used as label values.
	if outcome == OutcomeIgnored || event == "" {
		event = "other"
	}
	m.events.WithLabelValues(string(source), event, string(outcome)).Inc()
	m.duration.WithLabelValues(string(source)).Observe(elapsed.Seconds())
}
