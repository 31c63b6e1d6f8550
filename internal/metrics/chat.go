package metrics

import (
	"github.com/omochice/broadcast-chat/internal/chat"
	"github.com/prometheus/client_golang/prometheus"
)

// ChatMetrics holds Prometheus metrics for sessions and fan-out.
// It implements chat.Observer.
type ChatMetrics struct {
	ActiveConnections   prometheus.Gauge
	MessagesBroadcast   prometheus.Counter
	Deliveries          prometheus.Counter
	DroppedDeliveries   prometheus.Counter
	ValidationErrors    *prometheus.CounterVec
	Disconnects         *prometheus.CounterVec
	RejectedConnections *prometheus.CounterVec
}

// NewChatMetrics creates and registers chat metrics on the given registry.
func NewChatMetrics(reg prometheus.Registerer) *ChatMetrics {
	m := &ChatMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open chat sessions.",
		}),
		MessagesBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_broadcast_total",
			Help:      "Total number of accepted messages fanned out to other sessions.",
		}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total number of broadcast records queued for a recipient.",
		}),
		DroppedDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_deliveries_total",
			Help:      "Total number of broadcast records a recipient could not accept.",
		}),
		ValidationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_errors_total",
			Help:      "Total number of rejected inbound payloads, by reason.",
		}, []string{"reason"}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total number of closed sessions, by reason.",
		}, []string{"reason"}),
		RejectedConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_connections_total",
			Help:      "Total number of connection attempts refused before upgrade, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.MessagesBroadcast,
		m.Deliveries,
		m.DroppedDeliveries,
		m.ValidationErrors,
		m.Disconnects,
		m.RejectedConnections,
	)
	return m
}

func (m *ChatMetrics) SessionOpened() {
	m.ActiveConnections.Inc()
}

func (m *ChatMetrics) SessionClosed(reason string) {
	if reason != chat.ReasonRegistrationFailed {
		m.ActiveConnections.Dec()
	}
	m.Disconnects.WithLabelValues(reason).Inc()
}

func (m *ChatMetrics) MessageBroadcast(recipients int) {
	m.MessagesBroadcast.Inc()
	m.Deliveries.Add(float64(recipients))
}

func (m *ChatMetrics) ValidationFailed(reason string) {
	m.ValidationErrors.WithLabelValues(reason).Inc()
}

func (m *ChatMetrics) DeliveryDropped() {
	m.DroppedDeliveries.Inc()
}

// ConnectionRejected counts an attempt refused by the admission or token gate.
func (m *ChatMetrics) ConnectionRejected(reason string) {
	m.RejectedConnections.WithLabelValues(reason).Inc()
}

var _ chat.Observer = (*ChatMetrics)(nil)
