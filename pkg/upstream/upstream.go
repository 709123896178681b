package upstream

import (
	"context"
	"log/slog"
	"time"

	"mercator-hq/h2edge/pkg/accesslog"
	"mercator-hq/h2edge/pkg/backend"
	"mercator-hq/h2edge/pkg/transport"
)

// Protocol identifiers returned by Upstream.Protocol.
const (
	ProtocolHTTP1 = "http/1.1"
	ProtocolHTTP2 = "h2"
)

// Upstream is the protocol codec of one client connection. It parses
// client input, forwards requests to the backend and writes responses.
// All methods are called from the worker loop. A non-nil error from
// OnRead, OnWrite or OnEvent means the connection must be terminated.
type Upstream interface {
	// Protocol returns ProtocolHTTP1 or ProtocolHTTP2.
	Protocol() string

	// OnRead consumes newly received client bytes.
	OnRead(p []byte) error

	// OnWrite is called after queued output was written.
	OnWrite() error

	// OnEvent is called for EOF, error and timeout events before the
	// handler terminates the connection.
	OnEvent(ev transport.Event) error

	// Close abandons in-flight transactions. Backend connections are
	// released by the handler.
	Close()
}

// Handler is the view of the client connection an upstream works against.
// It is implemented by frontend.ClientHandler.
type Handler interface {
	// Context returns the connection context. It carries the connection's
	// trace span and log fields.
	Context() context.Context

	// Write sends p to the client, shaped to the current write limit.
	Write(p []byte)

	// OutputLength returns the number of bytes queued but not yet written.
	OutputLength() int

	// SetShouldCloseAfterWrite closes the connection once output drains.
	SetShouldCloseAfterWrite()

	// GetDownstreamConnection returns a pooled or new backend connection.
	GetDownstreamConnection() (backend.Conn, error)

	// PoolDownstreamConnection returns a finished connection to the pool.
	PoolDownstreamConnection(c backend.Conn)

	// RemoveDownstreamConnection detaches and closes a connection.
	RemoveDownstreamConnection(c backend.Conn)

	// BackendScheme returns the URL scheme used towards the backend.
	BackendScheme() string

	// UpstreamScheme returns "https" on TLS connections and "http" otherwise.
	UpstreamScheme() string

	// ClientAddr returns the client IP address.
	ClientAddr() string

	// HTTP2UpgradeAllowed reports whether h2c upgrade may be performed.
	HTTP2UpgradeAllowed() bool

	// PerformHTTP2Upgrade replaces h1 with an HTTP/2 upstream.
	PerformHTTP2Upgrade(h1 *HTTP1) error

	// UpgradeRejected records a refused h2c upgrade request.
	UpgradeRejected()

	// WriteAccessLog records a completed transaction.
	WriteAccessLog(tx accesslog.Transaction)

	// WriteAccessLogStatus records a transaction known only by status.
	WriteAccessLogStatus(major, minor, status int, bytes int64)
}

// Options configures the upstream codecs.
type Options struct {
	// MaxHeaderBytes limits an HTTP/1 request head and an HTTP/2 header list.
	MaxHeaderBytes int

	// MaxRequestBodyBytes limits buffered request bodies.
	MaxRequestBodyBytes int64

	// MaxConcurrentStreams is advertised to HTTP/2 clients.
	MaxConcurrentStreams uint32

	// Logger is the connection logger.
	Logger *slog.Logger

	// Now is the clock used for transaction timing.
	Now func() time.Time
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o Options) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}
