// Package metrics holds the Prometheus instruments shared by the server and
// the chat client. Everything is registered on Registry, not the global
// default registry, so tests can build fresh processes without collisions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry collects every LitChat metric.
var Registry = prometheus.NewRegistry()

var startTime = time.Now()

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(startTime)
}

// Handler renders Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// --- Pre-defined metrics used across the application ---

var (
	MessagesStored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "litchat_messages_stored_total",
		Help: "Messages accepted by the server store.",
	})
	MessagesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "litchat_messages_rejected_total",
		Help: "Messages refused before storing, by reason.",
	}, []string{"reason"})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "litchat_client_messages_sent_total",
		Help: "Messages the client sent and the store confirmed.",
	})
	SendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "litchat_client_send_failures_total",
		Help: "Client sends that failed, by reason.",
	}, []string{"reason"})
	Rollbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "litchat_client_rollbacks_total",
		Help: "Optimistic placeholders removed after a failed send.",
	})
	EventsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "litchat_client_events_applied_total",
		Help: "Realtime events reconciled into the timeline, by kind and outcome.",
	}, []string{"kind", "changed"})
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "litchat_client_reconnects_total",
		Help: "Realtime reconnections followed by a reload.",
	})
	TypingActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "litchat_client_typing_active",
		Help: "Peers currently shown as typing.",
	})

	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "litchat_ws_connections",
		Help: "Open realtime WebSocket connections.",
	})
	WSBroadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "litchat_ws_broadcasts_total",
		Help: "Frames fanned out to WebSocket clients, by frame type.",
	}, []string{"type"})

	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "litchat_http_request_duration_seconds",
		Help:    "HTTP API latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "route", "code"})

	TelegramRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "litchat_telegram_relayed_total",
		Help: "Messages relayed through the Telegram bridge, by direction.",
	}, []string{"direction"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "litchat_uptime_seconds",
			Help: "Time since start in seconds.",
		}, func() float64 { return Uptime().Seconds() }),
		MessagesStored,
		MessagesRejected,
		MessagesSent,
		SendFailures,
		Rollbacks,
		EventsApplied,
		Reconnects,
		TypingActive,
		WSConnections,
		WSBroadcasts,
		HTTPLatency,
		TelegramRelayed,
	)
}
