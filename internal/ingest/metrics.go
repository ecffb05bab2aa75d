package ingest

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the ingest gateway's Prometheus counters/gauges. Congestion
// is tracked as a counter of detected backpressure streaks, not a dropped-
// frame counter: frames are never dropped.
type Metrics struct {
	ProtocolViolations prometheus.Counter
	PublishFailures    prometheus.Counter
	PublishRetries     prometheus.Counter
	FrameGaps          prometheus.Counter
	CongestionEvents   prometheus.Counter
	ActiveConnections  prometheus.Gauge
}

// NewMetrics registers ingest gateway metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProtocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_protocol_violations_total",
			Help: "Telephony WebSocket connections closed for a protocol violation.",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_publish_failures_total",
			Help: "AudioFrame publishes that exhausted the in-band retry budget.",
		}),
		PublishRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_publish_retries_total",
			Help: "AudioFrame publish attempts beyond the first.",
		}),
		FrameGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_frame_gaps_total",
			Help: "Detected gaps in per-call audio frame sequence numbers.",
		}),
		CongestionEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_congestion_events_total",
			Help: "Consecutive-slow-publish congestion signals (frames are never dropped).",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_active_connections",
			Help: "Currently open telephony WebSocket connections.",
		}),
	}
	reg.MustRegister(m.ProtocolViolations, m.PublishFailures, m.PublishRetries, m.FrameGaps, m.CongestionEvents, m.ActiveConnections)
	return m
}
