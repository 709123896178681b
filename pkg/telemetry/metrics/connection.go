package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ConnectionMetrics tracks client connections and the transactions they
// carry.
//
// Metrics:
//   - h2edge_connections_total: accepted connections by transport
//   - h2edge_connections_active: currently open connections
//   - h2edge_connections_closed_total: closed connections by protocol
//   - h2edge_connection_duration_seconds: connection lifetime
//   - h2edge_protocol_selected_total: upstream protocol by selection path
//   - h2edge_alpn_failures_total: handshakes with an unsupported ALPN value
//   - h2edge_h2c_upgrade_rejected_total: h2c requests served as HTTP/1.1
//   - h2edge_renegotiation_closes_total: connections closed for renegotiation
//   - h2edge_transactions_total: transactions by protocol and status class
//   - h2edge_transaction_duration_seconds: transaction duration
//   - h2edge_response_body_bytes: response body sizes
type ConnectionMetrics struct {
	opened   *prometheus.CounterVec
	active   prometheus.Gauge
	closed   *prometheus.CounterVec
	lifetime prometheus.Histogram

	protocol            *prometheus.CounterVec
	alpnFailures        prometheus.Counter
	upgradeRejected     prometheus.Counter
	renegotiationCloses prometheus.Counter

	transactions *prometheus.CounterVec
	txDuration   *prometheus.HistogramVec
	bodyBytes    *prometheus.HistogramVec
}

// NewConnectionMetrics creates and registers connection metrics.
func NewConnectionMetrics(namespace string, registry *prometheus.Registry) *ConnectionMetrics {
	cm := &ConnectionMetrics{
		opened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of accepted client connections",
			},
			[]string{"transport"},
		),

		active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections_active",
				Help:      "Number of open client connections",
			},
		),

		closed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_closed_total",
				Help:      "Total number of closed client connections by protocol",
			},
			[]string{"protocol"},
		),

		lifetime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Lifetime of client connections in seconds",
				Buckets:   []float64{0.01, 0.1, 1, 10, 60, 300, 1800},
			},
		),

		protocol: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocol_selected_total",
				Help:      "Upstream protocol selections by protocol and selection path",
			},
			[]string{"protocol", "via"},
		),

		alpnFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alpn_failures_total",
				Help:      "TLS handshakes that negotiated an unsupported protocol",
			},
		),

		upgradeRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "h2c_upgrade_rejected_total",
				Help:      "h2c upgrade requests served as HTTP/1.1",
			},
		),

		renegotiationCloses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "renegotiation_closes_total",
				Help:      "Connections closed after a TLS renegotiation attempt",
			},
		),

		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Client transactions by protocol and status class",
			},
			[]string{"protocol", "code"},
		),

		txDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transaction_duration_seconds",
				Help:      "Duration of client transactions in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"protocol"},
		),

		bodyBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "response_body_bytes",
				Help:      "Size of response bodies sent to clients",
				Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
			},
			[]string{"protocol"},
		),
	}

	registry.MustRegister(
		cm.opened,
		cm.active,
		cm.closed,
		cm.lifetime,
		cm.protocol,
		cm.alpnFailures,
		cm.upgradeRejected,
		cm.renegotiationCloses,
		cm.transactions,
		cm.txDuration,
		cm.bodyBytes,
	)

	return cm
}

// RecordOpened counts an accepted connection.
func (cm *ConnectionMetrics) RecordOpened(tls bool) {
	transport := "tcp"
	if tls {
		transport = "tls"
	}
	cm.opened.WithLabelValues(transport).Inc()
	cm.active.Inc()
}

// RecordClosed counts a closed connection.
func (cm *ConnectionMetrics) RecordClosed(protocol string, lifetime time.Duration) {
	cm.active.Dec()
	cm.closed.WithLabelValues(protocol).Inc()
	cm.lifetime.Observe(lifetime.Seconds())
}

// RecordProtocol counts an upstream protocol selection.
func (cm *ConnectionMetrics) RecordProtocol(protocol, via string) {
	cm.protocol.WithLabelValues(protocol, via).Inc()
}

// RecordTransaction records a transaction outcome.
func (cm *ConnectionMetrics) RecordTransaction(protocol string, status int, bodyBytes int64, duration time.Duration) {
	cm.transactions.WithLabelValues(protocol, statusClass(status)).Inc()
	if duration > 0 {
		cm.txDuration.WithLabelValues(protocol).Observe(duration.Seconds())
	}
	if bodyBytes > 0 {
		cm.bodyBytes.WithLabelValues(protocol).Observe(float64(bodyBytes))
	}
}

// statusClass maps a status to "2xx" style labels. 499 stays distinct.
func statusClass(status int) string {
	if status == 499 {
		return "499"
	}
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}
