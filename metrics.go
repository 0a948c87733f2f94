package mergeparty

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "mergeparty"

// Frame outcomes.
const (
	frameReceived  = "received"
	frameForwarded = "forwarded"
	frameFannedOut = "fanned_out"
	frameLocal     = "local"
	frameDropped   = "dropped"
)

// Metrics collects relay metrics. Nil Metrics is valid and collects nothing.
type Metrics struct {
	frames         *prometheus.CounterVec
	protocolErrors prometheus.Counter
	peers          prometheus.Gauge
	flushes        *prometheus.CounterVec
}

// NewMetrics creates metrics and registers them in registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_total",
			Help:      "Number of frames processed by the router, by outcome.",
		}, []string{"outcome"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "protocol_errors_total",
			Help:      "Number of connections closed due to protocol errors.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "joined_peers",
			Help:      "Number of peers which completed the handshake.",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flushes_total",
			Help:      "Number of flushes triggered by the storage bridge, by result.",
		}, []string{"result"}),
	}
	registerer.MustRegister(m.frames, m.protocolErrors, m.peers, m.flushes)
	return m
}

func (m *Metrics) frame(outcome string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(outcome).Inc()
}

func (m *Metrics) protocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

func (m *Metrics) peerJoined() {
	if m == nil {
		return
	}
	m.peers.Inc()
}

func (m *Metrics) peerLeft() {
	if m == nil {
		return
	}
	m.peers.Dec()
}

func (m *Metrics) flush(result string) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(result).Inc()
}
