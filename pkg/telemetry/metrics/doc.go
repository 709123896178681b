// Package metrics provides Prometheus metrics for the h2edge proxy.
//
// # Metrics Categories
//
//   - Connection Metrics: accepted, active and closed client connections,
//     protocol selection (ALPN, preface, h2c upgrade), ALPN failures,
//     rejected h2c upgrades and renegotiation closes
//   - Transaction Metrics: transactions by protocol and status class,
//     durations and response body sizes
//   - Backend Metrics: connection acquisition results (pooled, new,
//     blocked by the connect breaker), discarded connections and pool
//     sweeps
//
// # Usage
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//
//	collector.ConnectionOpened(true)
//	collector.ProtocolSelected("h2", "alpn")
//	collector.BackendAcquire("pooled")
//	collector.RecordTransaction("h2", 200, 512, 3*time.Millisecond)
//
// A nil *Collector is valid and records nothing, which keeps tests and
// metrics-disabled deployments free of conditionals.
//
// # Cardinality Management
//
// Protocol labels derived from client input are limited to a small set of
// distinct values; anything beyond is aggregated into "other".
//
// # Prometheus Endpoint
//
// Collector.Handler serves the registry in the Prometheus exposition
// format:
//
//	# HELP h2edge_connections_active Number of open client connections
//	# TYPE h2edge_connections_active gauge
//	h2edge_connections_active 12
package metrics
