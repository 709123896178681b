package transport

import (
	"net"
	"time"
)

// Event is a connection-level event delivered to a Handler.
type Event int

const (
	// EventConnected reports that the TLS handshake completed.
	EventConnected Event = iota + 1

	// EventEOF reports that the peer closed its side of the connection.
	EventEOF

	// EventError reports a socket or TLS error.
	EventError

	// EventTimeout reports that a read or write deadline expired.
	EventTimeout

	// EventRenegotiation reports a TLS renegotiation attempt by the client
	// after the initial handshake.
	EventRenegotiation
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventEOF:
		return "eof"
	case EventError:
		return "error"
	case EventTimeout:
		return "timeout"
	case EventRenegotiation:
		return "renegotiation"
	default:
		return "unknown"
	}
}

// TLSState exposes the negotiated TLS session parameters.
type TLSState interface {
	// NegotiatedProtocol returns the ALPN protocol, or "" when none was
	// negotiated.
	NegotiatedProtocol() string

	// HandshakeComplete reports whether the handshake finished.
	HandshakeComplete() bool
}

// Transport is the byte-level view of a client connection that the
// front-end handler works against. All methods are called from the owning
// worker's loop.
type Transport interface {
	// Take returns and removes every input byte received so far.
	Take() []byte

	// Write queues p for sending. p is copied. Each call is written to the
	// socket with a single write, so on TLS connections one call maps to
	// one record as long as p fits into a record.
	Write(p []byte)

	// OutputLength returns the number of queued bytes not yet written.
	OutputLength() int

	// SetTimeouts replaces the read and write inactivity timeouts. Zero
	// disables a timeout.
	SetTimeouts(read, write time.Duration)

	// TLS returns the TLS session, or nil on cleartext connections.
	TLS() TLSState

	// RemoteAddr returns the client address.
	RemoteAddr() net.Addr

	// Close closes the connection. Queued output is dropped.
	Close() error
}

// Handler receives transport callbacks on the worker loop. A non-nil error
// from OnRead, OnWrite or OnEvent makes the transport call Close.
type Handler interface {
	OnRead() error
	OnWrite() error
	OnEvent(ev Event) error
	Close()
}

type tlsState struct {
	proto    string
	complete bool
}

func (s *tlsState) NegotiatedProtocol() string { return s.proto }
func (s *tlsState) HandshakeComplete() bool    { return s.complete }
