// Package server runs the proxy: a listener, a set of workers and the
// admin endpoints.
//
// Each Worker owns one event loop together with the backend connection
// pool, the connect breaker and the backend HTTP/2 session used by the
// connections on it. The accept loop hands new client connections to the
// workers round robin; a connection never moves between workers.
//
// # Basic Usage
//
//	cfg := config.GetConfig()
//	tel, err := telemetry.New(&cfg.Telemetry, os.Stderr)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	srv := server.NewServer(cfg, tel, server.WithSignals())
//	if err := srv.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
// # Signals
//
// With WithSignals, SIGINT and SIGTERM start a graceful shutdown and SIGHUP
// reloads the TLS certificate.
//
// The shutdown process:
//  1. Marks the server as draining on /readyz
//  2. Stops accepting new connections
//  3. Closes every client connection; unfinished transactions are logged
//     with status 499
//  4. Stops the workers, waiting at most frontend.shutdown_timeout
//  5. Closes the admin server and the access log
//
// # Admin Endpoints
//
// When metrics are enabled, telemetry.metrics.listen_address serves:
//
//   - GET /metrics - Prometheus metrics (path configurable)
//   - GET /healthz - Liveness probe
//   - GET /readyz - Readiness probe (listener and worker checks)
//   - GET /version - Build information
//
// # Background Jobs
//
// Idle backend connections are swept on backend.pool.sweep_schedule, and
// the SQLite access log is pruned on access_log.retention.prune_schedule.
// Both schedules use cron syntax.
package server
