// Package prometheus is the Prometheus-backed implementation of
// metrics.ServerMetrics. Importing it for its side-effecting init()
// registers the constructor metrics.InitRegistry will call; nothing else
// in the server imports this package directly.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/nbdserve/pkg/metrics"
)

func init() {
	metrics.RegisterConstructor(func() metrics.ServerMetrics {
		return newServerMetrics(prometheus.DefaultRegisterer)
	})
}

type serverMetrics struct {
	connectionsOpened prometheus.Counter
	connectionsActive prometheus.Gauge

	requestsInFlight *prometheus.GaugeVec
	requestDuration  *prometheus.HistogramVec
	requestErrors    *prometheus.CounterVec
	bytesTransferred *prometheus.CounterVec

	handshakeOptions *prometheus.CounterVec
}

func newServerMetrics(reg prometheus.Registerer) metrics.ServerMetrics {
	return &serverMetrics{
		connectionsOpened: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nbdserve_connections_opened_total",
			Help: "Total number of client connections accepted.",
		}),
		connectionsActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "nbdserve_connections_active",
			Help: "Number of currently open client connections.",
		}),
		requestsInFlight: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "nbdserve_requests_in_flight",
			Help: "Number of requests currently dispatched to the backend chain, by command.",
		}, []string{"command"}),
		requestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name: "nbdserve_request_duration_milliseconds",
			Help: "Duration of a request's backend dispatch, by command.",
			Buckets: []float64{
				0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000, 5000,
			},
		}, []string{"command"}),
		requestErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "nbdserve_request_errors_total",
			Help: "Total number of requests that completed with a non-zero NBD error code.",
		}, []string{"command", "error_code"}),
		bytesTransferred: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "nbdserve_bytes_transferred_total",
			Help: "Total bytes read or written, by command.",
		}, []string{"command"}),
		handshakeOptions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "nbdserve_handshake_options_total",
			Help: "Total handshake options processed, by option and result.",
		}, []string{"option", "result"}),
	}
}

func (m *serverMetrics) ConnectionOpened() {
	m.connectionsOpened.Inc()
	m.connectionsActive.Inc()
}

func (m *serverMetrics) ConnectionClosed() {
	m.connectionsActive.Dec()
}

func (m *serverMetrics) RequestStarted(command string) {
	m.requestsInFlight.WithLabelValues(command).Inc()
}

func (m *serverMetrics) RequestCompleted(command string, duration time.Duration, errCode uint32) {
	m.requestsInFlight.WithLabelValues(command).Dec()
	m.requestDuration.WithLabelValues(command).Observe(float64(duration.Microseconds()) / 1000.0)
	if errCode != 0 {
		m.requestErrors.WithLabelValues(command, errCodeLabel(errCode)).Inc()
	}
}

func (m *serverMetrics) BytesTransferred(command string, bytes int64) {
	if bytes > 0 {
		m.bytesTransferred.WithLabelValues(command).Add(float64(bytes))
	}
}

func (m *serverMetrics) HandshakeOption(option string, result string) {
	m.handshakeOptions.WithLabelValues(option, result).Inc()
}

func errCodeLabel(code uint32) string {
	switch code {
	case 1:
		return "EPERM"
	case 5:
		return "EIO"
	case 12:
		return "ENOMEM"
	case 22:
		return "EINVAL"
	case 28:
		return "ENOSPC"
	case 75:
		return "EOVERFLOW"
	case 95:
		return "ENOTSUP"
	case 108:
		return "ESHUTDOWN"
	default:
		return "UNKNOWN"
	}
}
