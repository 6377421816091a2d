package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the Prometheus instruments for the chat core.
// A nil *Metrics is valid and records nothing, which keeps tests quiet.
type Metrics struct {
	connectedClients prometheus.Gauge
	boundSessions    prometheus.Gauge
	messagesAppended prometheus.Counter
	appendFailures   prometheus.Counter
	broadcastSent    prometheus.Counter
	broadcastDropped prometheus.Counter
}

// NewMetrics registers the chat metrics on the default registry.
// Call at most once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		connectedClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "parley_connected_clients",
			Help: "Live websocket connections, bound or not.",
		}),
		boundSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "parley_bound_sessions",
			Help: "Connections with a bound display name.",
		}),
		messagesAppended: promauto.NewCounter(prometheus.CounterOpts{
			Name: "parley_messages_appended_total",
			Help: "Chat messages persisted to the store.",
		}),
		appendFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "parley_message_append_failures_total",
			Help: "Store append failures reported back to senders.",
		}),
		broadcastSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "parley_broadcast_deliveries_total",
			Help: "Per-connection event deliveries enqueued by broadcast.",
		}),
		broadcastDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "parley_broadcast_drops_total",
			Help: "Per-connection deliveries dropped due to backpressure or shutdown.",
		}),
	}
}

// RecordConnections sets the live connection gauge.
func (m *Metrics) RecordConnections(n int) {
	if m == nil {
		return
	}
	m.connectedClients.Set(float64(n))
}

// RecordBoundSessions sets the bound participant gauge.
func (m *Metrics) RecordBoundSessions(n int) {
	if m == nil {
		return
	}
	m.boundSessions.Set(float64(n))
}

// RecordAppend counts one persisted message.
func (m *Metrics) RecordAppend() {
	if m == nil {
		return
	}
	m.messagesAppended.Inc()
}

// RecordAppendFailure counts one failed persistence attempt.
func (m *Metrics) RecordAppendFailure() {
	if m == nil {
		return
	}
	m.appendFailures.Inc()
}

// RecordBroadcast counts the outcome of one fan-out pass.
func (m *Metrics) RecordBroadcast(delivered, dropped int) {
	if m == nil {
		return
	}
	m.broadcastSent.Add(float64(delivered))
	m.broadcastDropped.Add(float64(dropped))
}
