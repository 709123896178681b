package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BackendMetrics tracks backend connection acquisition and pooling.
//
// Metrics:
//   - h2edge_backend_acquire_total: acquisitions by result (pooled, new, blocked)
//   - h2edge_backend_discarded_total: connections closed instead of pooled
//   - h2edge_backend_pool_evicted_total: idle connections evicted by sweeps
//   - h2edge_backend_pool_idle: idle connections per worker after a sweep
type BackendMetrics struct {
	acquire   *prometheus.CounterVec
	discarded prometheus.Counter
	evicted   prometheus.Counter
	idle      *prometheus.GaugeVec
}

// NewBackendMetrics creates and registers backend metrics.
func NewBackendMetrics(namespace string, registry *prometheus.Registry) *BackendMetrics {
	bm := &BackendMetrics{
		acquire: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "acquire_total",
				Help:      "Backend connection acquisitions by result",
			},
			[]string{"result"},
		),

		discarded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "discarded_total",
				Help:      "Backend connections closed instead of returned to the pool",
			},
		),

		evicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "pool_evicted_total",
				Help:      "Idle backend connections evicted by pool sweeps",
			},
		),

		idle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "pool_idle",
				Help:      "Idle backend connections per worker after the last sweep",
			},
			[]string{"worker"},
		),
	}

	registry.MustRegister(bm.acquire, bm.discarded, bm.evicted, bm.idle)
	return bm
}

// RecordSweep records the outcome of a pool sweep.
func (bm *BackendMetrics) RecordSweep(worker string, evicted, idle int) {
	if evicted > 0 {
		bm.evicted.Add(float64(evicted))
	}
	bm.idle.WithLabelValues(worker).Set(float64(idle))
}
