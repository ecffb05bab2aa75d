package asr

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the ASR worker's exported Prometheus series.
type Metrics struct {
	ChunksSent             prometheus.Counter
	ConnectionsCreated      prometheus.Counter
	TranscriptsReceived     prometheus.Counter
	ReconnectsAbandoned     prometheus.Counter
	MalformedVendorMessages prometheus.Counter
	FirstPartialLatencyMs   prometheus.Histogram
	ConnectionsActive       prometheus.Gauge
	MessagesReclaimed       prometheus.Counter
	VendorReconnectsOnMalformed prometheus.Counter
}

// NewMetrics registers and returns the ASR worker's metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChunksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asr_chunks_sent_total",
			Help: "Audio chunks forwarded to the ASR vendor after the silence gate.",
		}),
		ConnectionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asr_connections_created_total",
			Help: "Vendor connections dialed, including reconnects.",
		}),
		TranscriptsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asr_transcripts_received_total",
			Help: "Non-empty transcripts received from the ASR vendor.",
		}),
		ReconnectsAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asr_reconnects_abandoned_total",
			Help: "Calls whose vendor connection was abandoned after exhausting the reconnect budget.",
		}),
		MalformedVendorMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asr_malformed_vendor_messages_total",
			Help: "Vendor messages dropped for failing to decode.",
		}),
		FirstPartialLatencyMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "asr_first_partial_latency_ms",
			Help:    "Milliseconds from call start to the first partial transcript.",
			Buckets: []float64{100, 250, 500, 1000, 2000, 5000, 10000},
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asr_connections_active",
			Help: "Vendor connections currently open, across all calls.",
		}),
		MessagesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asr_messages_reclaimed_total",
			Help: "Audio frames reclaimed from the consumer group's pending list and replayed.",
		}),
		VendorReconnectsOnMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asr_vendor_reconnects_on_malformed_total",
			Help: "Vendor connections torn down after too many consecutive malformed messages.",
		}),
	}
	reg.MustRegister(
		m.ChunksSent,
		m.ConnectionsCreated,
		m.TranscriptsReceived,
		m.ReconnectsAbandoned,
		m.MalformedVendorMessages,
		m.FirstPartialLatencyMs,
		m.ConnectionsActive,
		m.MessagesReclaimed,
		m.VendorReconnectsOnMalformed,
	)
	return m
}
