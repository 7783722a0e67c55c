package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nscpd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nscpd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	connections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nscpd",
			Subsystem: "conn",
			Name:      "exchanges_total",
			Help:      "Completed connection exchanges by transport and outcome.",
		},
		[]string{"transport", "outcome"},
	)
	activeConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nscpd",
			Subsystem: "conn",
			Name:      "active",
			Help:      "Connections currently being served.",
		},
		[]string{"transport"},
	)
	exchangeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nscpd",
			Subsystem: "conn",
			Name:      "exchange_duration_seconds",
			Help:      "Time from accept to teardown.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"transport", "outcome"},
	)
	packets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nscpd",
			Subsystem: "protocol",
			Name:      "packets_total",
			Help:      "Signature/payload units by direction and payload type.",
		},
		[]string{"direction", "type"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			connections,
			activeConnections,
			exchangeDuration,
			packets,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func ConnectionOpened(transport string) {
	RegisterMetrics()
	activeConnections.WithLabelValues(transport).Inc()
}

func ConnectionClosed(transport, outcome string, duration time.Duration) {
	RegisterMetrics()
	activeConnections.WithLabelValues(transport).Dec()
	connections.WithLabelValues(transport, outcome).Inc()
	exchangeDuration.WithLabelValues(transport, outcome).Observe(duration.Seconds())
}

func RecordPacket(direction, payloadType string) {
	RegisterMetrics()
	packets.WithLabelValues(direction, payloadType).Inc()
}
