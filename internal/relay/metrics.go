// ABOUTME: Prometheus collectors for the relay server
// ABOUTME: Uses a private registry so several servers can coexist in one process

package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Rejection reasons reported on huddle_relay_rejected_total.
const (
	ReasonRateLimited    = "rate_limited"
	ReasonInvalidEvent   = "invalid_event"
	ReasonSenderMismatch = "sender_mismatch"
	ReasonBadFrame       = "bad_frame"
	ReasonPublishFailed  = "publish_failed"
)

// Metrics holds the relay collectors.
type Metrics struct {
	registry    *prometheus.Registry
	connections prometheus.Gauge
	events      *prometheus.CounterVec
	rejected    *prometheus.CounterVec
}

// NewMetrics creates and registers the relay collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_relay_connections",
			Help: "Open websocket connections.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_relay_events_total",
			Help: "Events accepted from clients, by event type.",
		}, []string{"type"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_relay_rejected_total",
			Help: "Client frames rejected, by reason.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		m.connections,
		m.events,
		m.rejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
