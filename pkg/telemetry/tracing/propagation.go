package tracing

import (
	"context"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Propagator returns the global text map propagator. It is W3C Trace
// Context plus Baggage when tracing is enabled and a no-op otherwise.
func Propagator() propagation.TextMapPropagator {
	return otel.GetTextMapPropagator()
}

// Extract extracts trace context from HTTP headers.
func Extract(ctx context.Context, headers http.Header) context.Context {
	return Propagator().Extract(ctx, propagation.HeaderCarrier(headers))
}

// Inject injects the trace context of ctx into HTTP headers.
func Inject(ctx context.Context, headers http.Header) {
	Propagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// InjectBackendRequest adds the connection's trace context to a request
// forwarded to the backend. A valid traceparent sent by the client is
// kept so the backend joins the client's trace.
func InjectBackendRequest(ctx context.Context, headers http.Header) {
	if ValidateTraceParent(headers.Get("traceparent")) {
		return
	}
	headers.Del("traceparent")
	headers.Del("tracestate")
	Inject(ctx, headers)
}

// ValidateTraceParent reports whether traceparent is a well-formed W3C
// traceparent header:
//
//	00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01
func ValidateTraceParent(traceparent string) bool {
	parts := strings.Split(traceparent, "-")
	if len(parts) != 4 {
		return false
	}
	for i, n := range []int{2, 32, 16, 2} {
		if len(parts[i]) != n || !isHexString(parts[i]) {
			return false
		}
	}
	if parts[0] == "ff" {
		return false
	}
	if parts[1] == strings.Repeat("0", 32) || parts[2] == strings.Repeat("0", 16) {
		return false
	}
	return true
}

// isHexString checks if a string contains only lowercase hexadecimal
// characters.
func isHexString(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
