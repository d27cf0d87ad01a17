package lib

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "utcp"

// Metrics holds the endpoint counters. One Metrics per registry: registering
// a second endpoint on the same Registerer panics on the duplicate names.
type Metrics struct {
	FramesSent        *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	Retransmissions   prometheus.Counter
	Handshakes        *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	BytesDelivered    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to the socket, by kind",
		}, []string{"kind"}),

		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Well-formed frames read from the socket, by kind",
		}, []string{"kind"}),

		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_dropped_total",
			Help:      "Frames discarded before reaching a connection, by reason",
		}, []string{"reason"}),

		Retransmissions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retransmission_timeouts_total",
			Help:      "Data retransmission timeouts (go-back-n restarts)",
		}),

		Handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handshakes_total",
			Help:      "Handshake outcomes, by role and result",
		}, []string{"role", "result"}),

		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_connections",
			Help:      "Established connections holding a route",
		}),

		BytesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_delivered_total",
			Help:      "Payload bytes handed to the application by Recv",
		}),
	}
}
