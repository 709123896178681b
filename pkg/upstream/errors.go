package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"mercator-hq/h2edge/pkg/backend"
)

var (
	// ErrBadPreface is returned when an HTTP/2 connection does not start
	// with the client connection preface.
	ErrBadPreface = errors.New("upstream: invalid HTTP/2 client preface")

	// ErrBadHTTP2Settings is returned when the HTTP2-Settings header of an
	// h2c upgrade request cannot be decoded.
	ErrBadHTTP2Settings = errors.New("upstream: invalid HTTP2-Settings header")

	// ErrInputTooLarge is returned when a client sends more unconsumed
	// input than the configured limits allow.
	ErrInputTooLarge = errors.New("upstream: client input exceeds limits")

	// ErrConnectionDone is returned once the codec has nothing left to do
	// on the connection and it can be closed.
	ErrConnectionDone = errors.New("upstream: connection done")
)

// statusForError maps a backend acquisition or round-trip error to the
// status returned to the client.
func statusForError(err error) int {
	var ne net.Error
	switch {
	case errors.Is(err, backend.ErrConnectBlocked):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// errorPage returns the body sent with generated error responses.
func errorPage(status int) []byte {
	text := fmt.Sprintf("%d %s", status, http.StatusText(status))
	return []byte("<html><head><title>" + text + "</title></head><body><h1>" + text +
		"</h1><hr><address>h2edge</address></body></html>")
}
