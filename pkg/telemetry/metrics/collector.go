package metrics

import (
	"sync"
	"time"

	"mercator-hq/h2edge/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector owns every Prometheus metric of the proxy. Its methods are
// safe for concurrent use by all workers and are no-ops on a nil or
// disabled collector, so components can hold one unconditionally.
type Collector struct {
	enabled  bool
	registry *prometheus.Registry

	conn    *ConnectionMetrics
	backend *BackendMetrics

	// alpnLimiter bounds the label values taken from client ALPN offers.
	alpnLimiter *CardinalityLimiter
}

// NewCollector creates a collector registering its metrics with registry.
// A new registry is created when registry is nil.
//
// Example:
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	http.Handle("/metrics", collector.Handler())
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = config.DefaultMetricsNamespace
	}

	return &Collector{
		enabled:     config.BoolValue(cfg.Enabled, true),
		registry:    registry,
		conn:        NewConnectionMetrics(namespace, registry),
		backend:     NewBackendMetrics(namespace, registry),
		alpnLimiter: NewCardinalityLimiter(16),
	}
}

func (c *Collector) active() bool {
	return c != nil && c.enabled
}

// ConnectionOpened records an accepted client connection.
func (c *Collector) ConnectionOpened(tls bool) {
	if !c.active() {
		return
	}
	c.conn.RecordOpened(tls)
}

// ConnectionClosed records a closed client connection. alpn is the
// negotiated or detected protocol; empty when detection never resolved.
func (c *Collector) ConnectionClosed(alpn string, lifetime time.Duration) {
	if !c.active() {
		return
	}
	if alpn == "" {
		alpn = "none"
	} else if !c.alpnLimiter.Allow(alpn) {
		alpn = "other"
	}
	c.conn.RecordClosed(alpn, lifetime)
}

// ProtocolSelected records the upstream protocol chosen for a connection.
// via is "alpn", "preface", "default" or "upgrade".
func (c *Collector) ProtocolSelected(protocol, via string) {
	if !c.active() {
		return
	}
	c.conn.RecordProtocol(protocol, via)
}

// ALPNFailure records a handshake that negotiated an unsupported protocol.
func (c *Collector) ALPNFailure() {
	if !c.active() {
		return
	}
	c.conn.alpnFailures.Inc()
}

// UpgradeRejected records an h2c upgrade request served as HTTP/1.1.
func (c *Collector) UpgradeRejected() {
	if !c.active() {
		return
	}
	c.conn.upgradeRejected.Inc()
}

// RenegotiationClose records a connection closed for TLS renegotiation.
func (c *Collector) RenegotiationClose() {
	if !c.active() {
		return
	}
	c.conn.renegotiationCloses.Inc()
}

// RecordTransaction records a completed or abandoned client transaction.
func (c *Collector) RecordTransaction(protocol string, status int, bodyBytes int64, duration time.Duration) {
	if !c.active() {
		return
	}
	c.conn.RecordTransaction(protocol, status, bodyBytes, duration)
}

// BackendAcquire records how a backend connection request was served.
// result is "pooled", "new" or "blocked".
func (c *Collector) BackendAcquire(result string) {
	if !c.active() {
		return
	}
	c.backend.acquire.WithLabelValues(result).Inc()
}

// BackendDiscarded records a backend connection closed instead of pooled.
func (c *Collector) BackendDiscarded() {
	if !c.active() {
		return
	}
	c.backend.discarded.Inc()
}

// PoolSwept records an idle sweep of a worker's pool.
func (c *Collector) PoolSwept(worker string, evicted, idle int) {
	if !c.active() {
		return
	}
	c.backend.RecordSweep(worker, evicted, idle)
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// CardinalityLimiter prevents metric cardinality explosion by limiting
// the number of unique label values.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a limiter allowing maxCardinality values.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow reports whether value may be used as a label value. Known values
// are always allowed; new values only until the limit is reached.
func (cl *CardinalityLimiter) Allow(value string) bool {
	cl.mu.RLock()
	if _, exists := cl.current[value]; exists {
		cl.mu.RUnlock()
		return true
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, exists := cl.current[value]; exists {
		return true
	}
	if len(cl.current) >= cl.maxCardinality {
		return false
	}
	cl.current[value] = struct{}{}
	return true
}

// Count returns the current cardinality.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
