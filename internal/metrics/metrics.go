// Package metrics holds the Prometheus collectors of the call server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callserver"

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	reg       *prometheus.Registry
	rooms     prometheus.Gauge
	peers     prometheus.Gauge
	consumers prometheus.Counter
	requests  *prometheus.CounterVec
	closes    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Live rooms on this server.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Connected signaling peers.",
		}),
		consumers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumers_created_total",
			Help:      "Consumers created by fan-out, replicas included.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_requests_total",
			Help:      "Signaling requests by method and result code.",
		}, []string{"method", "result"}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_closes_total",
			Help:      "Room closes by reason.",
		}, []string{"reason"}),
	}
	m.reg.MustRegister(
		m.rooms, m.peers, m.consumers, m.requests, m.closes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry at /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) RoomOpened() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Metrics) RoomClosed(reason string) {
	if m != nil {
		m.rooms.Dec()
		m.closes.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) PeerConnected() {
	if m != nil {
		m.peers.Inc()
	}
}

func (m *Metrics) PeerDisconnected() {
	if m != nil {
		m.peers.Dec()
	}
}

func (m *Metrics) ConsumerCreated() {
	if m != nil {
		m.consumers.Inc()
	}
}

func (m *Metrics) Request(method, result string) {
	if m != nil {
		m.requests.WithLabelValues(method, result).Inc()
	}
}
