// Package metrics exposes Prometheus collectors for relays, routing,
// secure channels and transport connections.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaymesh"

// Drop reasons used as label values.
const (
	DropNotFound    = "not_found"
	DropDenied      = "admission_denied"
	DropNoTransport = "no_transport"
	DropStopped     = "relay_stopped"
	DropEmptyRoute  = "empty_route"
)

// Metrics holds the collectors of one node. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	relaysStarted     prometheus.Counter
	relaysStopped     *prometheus.CounterVec
	relayFailures     *prometheus.CounterVec
	messagesDelivered prometheus.Counter
	messagesForwarded *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	secureChannels    prometheus.Gauge
	connections       prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		relaysStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "started_total",
			Help:      "Relays spawned.",
		}),
		relaysStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "stopped_total",
			Help:      "Relays stopped, by stop reason.",
		}, []string{"reason"}),
		relayFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "failures_total",
			Help:      "Actor failures, by lifecycle phase.",
		}, []string{"phase"}),
		messagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "delivered_total",
			Help:      "Messages enqueued into a local mailbox.",
		}),
		messagesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "forwarded_total",
			Help:      "Messages handed to a transport, by transport type.",
		}, []string{"transport"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dropped_total",
			Help:      "Undeliverable messages, by reason.",
		}, []string{"reason"}),
		secureChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "secure_channel",
			Name:      "active",
			Help:      "Registered secure channels.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connections",
			Help:      "Open transport connections.",
		}),
	}

	m.registry.MustRegister(
		m.relaysStarted,
		m.relaysStopped,
		m.relayFailures,
		m.messagesDelivered,
		m.messagesForwarded,
		m.messagesDropped,
		m.secureChannels,
		m.connections,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RelayStarted() {
	if m == nil {
		return
	}
	m.relaysStarted.Inc()
}

func (m *Metrics) RelayStopped(reason string) {
	if m == nil {
		return
	}
	m.relaysStopped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RelayFailed(phase string) {
	if m == nil {
		return
	}
	m.relayFailures.WithLabelValues(phase).Inc()
}

func (m *Metrics) MessageDelivered() {
	if m == nil {
		return
	}
	m.messagesDelivered.Inc()
}

func (m *Metrics) MessageForwarded(transport string) {
	if m == nil {
		return
	}
	m.messagesForwarded.WithLabelValues(transport).Inc()
}

func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetSecureChannels(n int) {
	if m == nil {
		return
	}
	m.secureChannels.Set(float64(n))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}
