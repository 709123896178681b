package frontend

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedALPN is returned when the TLS handshake negotiated an
	// application protocol the proxy does not serve.
	ErrUnsupportedALPN = errors.New("frontend: unsupported ALPN protocol")

	// ErrHandshakeIncomplete is returned when protocol selection is
	// attempted before the TLS handshake finished.
	ErrHandshakeIncomplete = errors.New("frontend: TLS handshake not complete")

	// ErrProtocolSelected is returned when the upstream protocol was
	// already chosen.
	ErrProtocolSelected = errors.New("frontend: protocol already selected")
)

// ProtocolError is a fatal protocol failure on a client connection.
type ProtocolError struct {
	// Op is the stage that failed: "alpn", "preface" or "upgrade".
	Op string

	// Protocol is the protocol involved, when known.
	Protocol string

	Err error
}

func (e *ProtocolError) Error() string {
	if e.Protocol != "" {
		return fmt.Sprintf("frontend %s (%q): %v", e.Op, e.Protocol, e.Err)
	}
	return fmt.Sprintf("frontend %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError reports whether err is a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
