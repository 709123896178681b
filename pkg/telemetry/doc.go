// Package telemetry bundles the observability stack of h2edge.
//
// # Components
//
//   - logging: Structured logging with credential redaction
//   - metrics: Prometheus connection, transaction and backend metrics
//   - tracing: One OpenTelemetry span per client connection
//   - health: Liveness and readiness endpoints
//
// # Usage
//
//	tel, err := telemetry.New(&cfg.Telemetry, os.Stderr)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.Component("server")
//	tel.Metrics.ConnectionOpened(true)
//	ctx, span := tel.Tracer.StartConnection(ctx, info)
package telemetry
