// Package metrics defines the Prometheus collectors exported by the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docrelay"

// Metrics groups the relay's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Connections  prometheus.Gauge
	Rooms        prometheus.Gauge
	Messages     *prometheus.CounterVec
	DecodeErrors prometheus.Counter
	ApplyErrors  prometheus.Counter
	DroppedSends prometheus.Counter
	SlowPeers    prometheus.Counter
	Evictions    prometheus.Counter
	BusPublished prometheus.Counter
	BusReceived  prometheus.Counter
	BusErrors    prometheus.Counter
	RateLimited  prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open relay connections.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms held in memory.",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages by kind.",
		}, []string{"kind"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound frames dropped because they could not be decoded.",
		}),
		ApplyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apply_errors_total",
			Help:      "Updates dropped because the document rejected them.",
		}),
		DroppedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_sends_total",
			Help:      "Outbound frames dropped because the recipient was closed or full.",
		}),
		SlowPeers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_peers_total",
			Help:      "Connections closed because their send buffer overflowed.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_evictions_total",
			Help:      "Idle rooms dropped from memory.",
		}),
		BusPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_published_total",
			Help:      "Frames published to other relay instances.",
		}),
		BusReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_received_total",
			Help:      "Frames received from other relay instances.",
		}),
		BusErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_errors_total",
			Help:      "Failed publishes and undecodable bus envelopes.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Inbound frames discarded by the per-connection rate limiter.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Connections, m.Rooms, m.Messages,
			m.DecodeErrors, m.ApplyErrors, m.DroppedSends, m.SlowPeers,
			m.Evictions, m.BusPublished, m.BusReceived, m.BusErrors,
			m.RateLimited,
		)
	}
	return m
}

// Handler serves the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) RoomCreated() {
	if m != nil {
		m.Rooms.Inc()
	}
}

func (m *Metrics) RoomEvicted() {
	if m != nil {
		m.Rooms.Dec()
		m.Evictions.Inc()
	}
}

func (m *Metrics) Message(kind string) {
	if m != nil {
		m.Messages.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) DecodeError() {
	if m != nil {
		m.DecodeErrors.Inc()
	}
}

func (m *Metrics) ApplyError() {
	if m != nil {
		m.ApplyErrors.Inc()
	}
}

func (m *Metrics) DroppedSend() {
	if m != nil {
		m.DroppedSends.Inc()
	}
}

func (m *Metrics) SlowPeer() {
	if m != nil {
		m.SlowPeers.Inc()
	}
}

func (m *Metrics) Published() {
	if m != nil {
		m.BusPublished.Inc()
	}
}

func (m *Metrics) Received() {
	if m != nil {
		m.BusReceived.Inc()
	}
}

func (m *Metrics) BusError() {
	if m != nil {
		m.BusErrors.Inc()
	}
}

func (m *Metrics) RateLimit() {
	if m != nil {
		m.RateLimited.Inc()
	}
}
