// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Connection state and failover counts
//   - Message throughput in both directions, per provider
//   - Ping round-trip latency distribution
//   - Active channel and subscriber gauges
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the tunnel exports. Constructed once
// and shared by reference; a nil *Metrics disables instrumentation
// (every method nil-checks).
type Metrics struct {
	registry *prometheus.Registry

	ConnectionState *prometheus.GaugeVec
	MessagesIn      *prometheus.CounterVec
	MessagesOut     *prometheus.CounterVec
	PingLatency     *prometheus.HistogramVec
	Failovers       prometheus.Counter
	ActiveChannels  prometheus.Gauge
	PresenceMembers *prometheus.GaugeVec
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tunnel_connection_state",
			Help: "Current connection state (1 for the active state, 0 otherwise).",
		}, []string{"state"}),
		MessagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_messages_in_total",
			Help: "Inbound messages delivered by each provider.",
		}, []string{"provider"}),
		MessagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_messages_out_total",
			Help: "Messages published through each provider.",
		}, []string{"provider"}),
		PingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tunnel_ping_latency_seconds",
			Help:    "Health probe round-trip latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"provider"}),
		Failovers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunnel_failovers_total",
			Help: "Provider switches caused by failure or degradation.",
		}),
		ActiveChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunnel_active_channels",
			Help: "Channels with at least one subscriber.",
		}),
		PresenceMembers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tunnel_presence_members",
			Help: "Tracked presence members per channel.",
		}, []string{"channel"}),
	}

	reg.MustRegister(
		m.ConnectionState,
		m.MessagesIn,
		m.MessagesOut,
		m.PingLatency,
		m.Failovers,
		m.ActiveChannels,
		m.PresenceMembers,
	)
	return m
}

// SetConnectionState flips the state gauge to the named state.
func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	m.ConnectionState.Reset()
	m.ConnectionState.WithLabelValues(state).Set(1)
}

// ObservePing records one successful health probe.
func (m *Metrics) ObservePing(providerID string, seconds float64) {
	if m == nil {
		return
	}
	m.PingLatency.WithLabelValues(providerID).Observe(seconds)
}

// IncMessageIn counts one delivered message.
func (m *Metrics) IncMessageIn(providerID string) {
	if m == nil {
		return
	}
	m.MessagesIn.WithLabelValues(providerID).Inc()
}

// IncMessageOut counts one published message.
func (m *Metrics) IncMessageOut(providerID string) {
	if m == nil {
		return
	}
	m.MessagesOut.WithLabelValues(providerID).Inc()
}

// IncFailover counts one provider switch.
func (m *Metrics) IncFailover() {
	if m == nil {
		return
	}
	m.Failovers.Inc()
}

// SetActiveChannels updates the channel gauge.
func (m *Metrics) SetActiveChannels(n int) {
	if m == nil {
		return
	}
	m.ActiveChannels.Set(float64(n))
}

// SetPresenceMembers updates the membership gauge for one channel.
func (m *Metrics) SetPresenceMembers(channel string, n int) {
	if m == nil {
		return
	}
	m.PresenceMembers.WithLabelValues(channel).Set(float64(n))
}

// ResetPresenceMembers drops every per-channel membership gauge, for
// session boundaries where all tracked state is discarded.
func (m *Metrics) ResetPresenceMembers() {
	if m == nil {
		return
	}
	m.PresenceMembers.Reset()
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
