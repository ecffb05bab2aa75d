package fanout

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the fan-out hub's exported Prometheus series.
type Metrics struct {
	SubscriptionsActive prometheus.Gauge
	ClientsConnected    prometheus.Gauge
	MessagesReclaimed   prometheus.Counter
}

// NewMetrics registers and returns the fan-out hub's metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_subscriptions_active",
			Help: "Per-call transcript topic subscriptions currently open.",
		}),
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_sse_clients_connected",
			Help: "SSE clients currently connected across all calls.",
		}),
		MessagesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_messages_reclaimed_total",
			Help: "Transcript messages reclaimed from a consumer group's pending list and redelivered.",
		}),
	}
	reg.MustRegister(m.SubscriptionsActive, m.ClientsConnected, m.MessagesReclaimed)
	return m
}
