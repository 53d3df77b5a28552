package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the chat core's prometheus instruments.
type Metrics struct {
	ConnectionsActive     prometheus.Gauge
	MessagesTotal         prometheus.Counter
	SendErrorsTotal       prometheus.Counter
	BroadcastDroppedTotal prometheus.Counter
	FanoutPublishedTotal  prometheus.Counter
}

// NewMetrics constructs and registers the chat metrics.
// Passing a nil registerer creates unregistered instruments (useful in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "ember_chat_connections_active",
			Help: "Currently connected websocket sessions.",
		}),
		MessagesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ember_chat_messages_total",
			Help: "Messages accepted and persisted.",
		}),
		SendErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ember_chat_send_errors_total",
			Help: "Send operations rejected or failed.",
		}),
		BroadcastDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ember_chat_broadcast_dropped_total",
			Help: "Broadcast deliveries dropped due to member backpressure.",
		}),
		FanoutPublishedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ember_chat_fanout_published_total",
			Help: "Frames published through the fanout.",
		}),
	}
}
