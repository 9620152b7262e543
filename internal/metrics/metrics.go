// Package metrics provides Prometheus instrumentation for the messenger. It
// exposes gauges for page sessions and chat connections, counters for message
// and channel operations, and histograms for backend latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PageSessions tracks the current number of open browser page sessions.
	PageSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_page_sessions",
		Help: "Current number of open page sessions (WebSocket connections)",
	})

	// ChatConnections tracks page sessions with an established chat backend
	// connection.
	ChatConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_chat_connections",
		Help: "Current number of authenticated chat backend connections",
	})

	// MessagesTotal counts messages, labeled by type: "sent", "failed",
	// "received" or "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"type"})

	// ChannelOps counts channel operations by op and result ("ok" or "error").
	ChannelOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_channel_operations_total",
		Help: "Channel operations against the chat backend",
	}, []string{"op", "result"})

	// DeleteFallbacks counts conversation deletes that were turned into hides.
	DeleteFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messenger_delete_fallbacks_total",
		Help: "Conversation deletes rejected by the backend and hidden instead",
	})

	// BackendLatency records chat backend call latency in seconds by op.
	BackendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "messenger_backend_latency_seconds",
		Help:    "Chat backend call latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"op"})

	// ConnectFailures counts page sessions that ended on the connection error
	// screen.
	ConnectFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messenger_connect_failures_total",
		Help: "Chat backend connection attempts that failed",
	})
)

func init() {
	prometheus.MustRegister(
		PageSessions,
		ChatConnections,
		MessagesTotal,
		ChannelOps,
		DeleteFallbacks,
		BackendLatency,
		ConnectFailures,
	)
}

// ObserveOp records the outcome and latency of one backend operation.
func ObserveOp(op string, seconds float64, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ChannelOps.WithLabelValues(op, result).Inc()
	BackendLatency.WithLabelValues(op).Observe(seconds)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
