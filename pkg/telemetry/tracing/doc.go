// Package tracing provides OpenTelemetry tracing for client connections.
//
// # Overview
//
// Each accepted client connection gets one span ("h2edge.connection")
// that lives until the connection closes. Protocol detection, ALPN
// outcome, h2c upgrades, renegotiation attempts and connect-breaker
// rejections are recorded as span events. Spans are exported over OTLP
// gRPC.
//
// # Trace Context Propagation
//
// Requests forwarded to the backend carry a W3C traceparent header naming
// the connection span, unless the client already sent a valid one:
//
//	traceparent: 00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01
//
// # Sampling Strategies
//
//   - always: Sample all connections (development/debugging)
//   - never: Sample no connections
//   - ratio: Sample a fraction of connections (production)
//
// # Usage
//
//	tracer, err := tracing.New(&cfg.Telemetry.Tracing)
//	if err != nil {
//	    return err
//	}
//	defer tracer.Shutdown(context.Background())
//
//	ctx, span := tracer.StartConnection(ctx, tracing.ConnInfo{ID: id, ClientIP: ip})
//	defer span.End()
//
// A disabled or nil Tracer returns no-op spans.
package tracing
