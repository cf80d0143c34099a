// Package metrics 注册聊天服务的 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "im_ws_active_connections",
			Help: "Number of admitted websocket connections.",
		},
	)
	wsHandshakeRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_ws_handshake_rejections_total",
			Help: "Websocket handshakes rejected before upgrade, by reason.",
		},
		[]string{"reason"},
	)
	sendResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_send_message_total",
			Help: "send_message requests by result code.",
		},
		[]string{"code"},
	)
	fanoutEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_fanout_events_total",
			Help: "Events emitted to user channels, by event name.",
		},
		[]string{"event"},
	)
	conversationsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "im_direct_conversations_created_total",
			Help: "Direct conversations created by the resolver.",
		},
	)
	droppedClients = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "im_ws_slow_clients_dropped_total",
			Help: "Connections closed because their send buffer was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		wsActiveConnections,
		wsHandshakeRejections,
		sendResults,
		fanoutEvents,
		conversationsCreated,
		droppedClients,
	)
}

func ConnectionOpened() {
	wsActiveConnections.Inc()
}

func ConnectionClosed() {
	wsActiveConnections.Dec()
}

func HandshakeRejected(reason string) {
	wsHandshakeRejections.WithLabelValues(reason).Inc()
}

// SendResult 记录一次 send_message 的结果，成功时 code 为 "ok"。
func SendResult(code string) {
	sendResults.WithLabelValues(code).Inc()
}

func FanoutEvent(event string) {
	fanoutEvents.WithLabelValues(event).Inc()
}

func ConversationCreated() {
	conversationsCreated.Inc()
}

func ClientDropped() {
	droppedClients.Inc()
}
