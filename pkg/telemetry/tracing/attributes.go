package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SpanConnection is the name of the client connection span.
const SpanConnection = "h2edge.connection"

// Attribute keys. Standard keys follow OpenTelemetry semantic conventions;
// proxy-specific keys use the "h2edge.*" namespace.
const (
	AttrClientAddress = "client.address"
	AttrClientPort    = "client.port"
	AttrServerAddress = "server.address"

	AttrConnID      = "h2edge.conn.id"
	AttrTLS         = "h2edge.tls"
	AttrALPN        = "h2edge.alpn"
	AttrProtocol    = "h2edge.protocol"
	AttrProtocolVia = "h2edge.protocol.via"
	AttrWorker      = "h2edge.worker"
	AttrCloseReason = "h2edge.close.reason"

	AttrErrorMessage = "error.message"
)

// Event names recorded on the connection span.
const (
	EventHandshake        = "tls.handshake"
	EventProtocolSelected = "protocol.selected"
	EventUpgrade          = "h2c.upgrade"
	EventUpgradeRejected  = "h2c.upgrade_rejected"
	EventRenegotiation    = "tls.renegotiation"
	EventBackendBlocked   = "backend.blocked"
)

// ConnInfo describes a client connection at accept time.
type ConnInfo struct {
	ID         string
	ClientIP   string
	ClientPort int
	TLS        bool
	Worker     int
}

// Attributes returns the span attributes of the connection.
func (c ConnInfo) Attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrConnID, c.ID),
		attribute.String(AttrClientAddress, c.ClientIP),
		attribute.Int(AttrClientPort, c.ClientPort),
		attribute.Bool(AttrTLS, c.TLS),
		attribute.Int(AttrWorker, c.Worker),
	}
}

// SetProtocolAttributes records the selected upstream protocol on span.
func SetProtocolAttributes(span trace.Span, alpn, protocol, via string) {
	span.SetAttributes(
		attribute.String(AttrALPN, alpn),
		attribute.String(AttrProtocol, protocol),
		attribute.String(AttrProtocolVia, via),
	)
	span.AddEvent(EventProtocolSelected, trace.WithAttributes(
		attribute.String(AttrProtocol, protocol),
		attribute.String(AttrProtocolVia, via),
	))
}

// AddEvent adds an event to the span.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
