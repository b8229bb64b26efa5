// Package metrics exposes relay counters through prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons.
const (
	DropRoutingMiss  = "routing_miss"
	DropBackpressure = "backpressure"
	DropUnknownEvent = "unknown_event"
	DropBadPayload   = "bad_payload"
	DropRateLimited  = "rate_limited"
	// DropPresenceBacklog counts presence updates, not relay messages.
	DropPresenceBacklog = "presence_backlog"
)

type Metrics struct {
	Routed      *prometheus.CounterVec
	Dropped     *prometheus.CounterVec
	Connections prometheus.Gauge
	Kicked      prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Routed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callroom",
			Subsystem: "relay",
			Name:      "messages_routed_total",
			Help:      "Messages delivered to a recipient, by outbound event.",
		}, []string{"event"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callroom",
			Subsystem: "relay",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped by the relay, by reason.",
		}, []string{"reason"}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "callroom",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Live relay connections.",
		}),
		Kicked: f.NewCounter(prometheus.CounterOpts{
			Namespace: "callroom",
			Subsystem: "relay",
			Name:      "connections_kicked_total",
			Help:      "Connections closed by the backpressure policy.",
		}),
	}
}

func (m *Metrics) Drop(reason string) {
	m.Dropped.WithLabelValues(reason).Inc()
}
