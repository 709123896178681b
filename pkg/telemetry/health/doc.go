// Package health provides liveness and readiness endpoints for h2edge.
//
// The server registers one check per component that can stop the proxy
// from serving: the client listener, the backend target (unhealthy while
// the connect breaker blocks it on every worker) and the SQLite access
// log. Endpoints are served on the metrics listener:
//
//	GET /healthz   200 while the process runs
//	GET /readyz    200 when all checks pass, 503 when degraded or draining
//	GET /version   build information
//
// Usage:
//
//	checker := health.New(2 * time.Second)
//	checker.RegisterCheck("backend", srv.BackendCheck)
//	checker.Register(mux, version, commit, buildTime)
//
//	// on shutdown
//	checker.SetDraining(true)
package health
