package logging

import (
	"context"
	"log/slog"
)

// Context keys for connection-scoped log fields.
type contextKey string

const (
	// ConnIDKey is the context key for client connection IDs.
	ConnIDKey contextKey = "conn_id"

	// ClientAddrKey is the context key for the client address.
	ClientAddrKey contextKey = "client_addr"

	// ALPNKey is the context key for the negotiated protocol.
	ALPNKey contextKey = "alpn"

	// TraceIDKey is the context key for trace IDs.
	TraceIDKey contextKey = "trace_id"

	// SpanIDKey is the context key for span IDs.
	SpanIDKey contextKey = "span_id"
)

// fieldOrder fixes the order context fields appear in log output.
var fieldOrder = []contextKey{ConnIDKey, ClientAddrKey, ALPNKey, TraceIDKey, SpanIDKey}

// WithConnID adds a connection ID to the context.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConnIDKey, id)
}

// ConnIDFromContext retrieves the connection ID from the context.
func ConnIDFromContext(ctx context.Context) string {
	return stringValue(ctx, ConnIDKey)
}

// WithClientAddr adds the client address to the context.
func WithClientAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, ClientAddrKey, addr)
}

// ClientAddrFromContext retrieves the client address from the context.
func ClientAddrFromContext(ctx context.Context) string {
	return stringValue(ctx, ClientAddrKey)
}

// WithALPN adds the negotiated protocol to the context.
func WithALPN(ctx context.Context, alpn string) context.Context {
	return context.WithValue(ctx, ALPNKey, alpn)
}

// ALPNFromContext retrieves the negotiated protocol from the context.
func ALPNFromContext(ctx context.Context) string {
	return stringValue(ctx, ALPNKey)
}

// WithTraceID adds a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// TraceIDFromContext retrieves the trace ID from the context.
func TraceIDFromContext(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

// WithSpanID adds a span ID to the context.
func WithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, SpanIDKey, spanID)
}

// SpanIDFromContext retrieves the span ID from the context.
func SpanIDFromContext(ctx context.Context) string {
	return stringValue(ctx, SpanIDKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// extractContextFields extracts connection fields from context for
// logging. Returns key-value pairs suitable for logger.With().
func extractContextFields(ctx context.Context) []any {
	var fields []any
	for _, key := range fieldOrder {
		if v := stringValue(ctx, key); v != "" {
			fields = append(fields, string(key), v)
		}
	}
	return fields
}

// Bind returns a logger that carries the connection fields of ctx on
// every record, whatever context the record is logged with.
func Bind(logger *slog.Logger, ctx context.Context) *slog.Logger {
	fields := extractContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
