package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectBlocked is returned when the connect blocker is cooling down
	// after a failed connect to the target. No dial is attempted.
	ErrConnectBlocked = errors.New("backend: connect blocked")

	// ErrConnClosed is returned for requests on a closed backend connection.
	ErrConnClosed = errors.New("backend: connection closed")

	// ErrBodyTooLarge is returned when a backend response body exceeds the
	// configured limit.
	ErrBodyTooLarge = errors.New("backend: response body too large")
)

// DialError reports a failed connect to a backend target.
type DialError struct {
	Target string
	Err    error
}

// Error implements the error interface.
func (e *DialError) Error() string {
	return fmt.Sprintf("backend: dial %s: %v", e.Target, e.Err)
}

// Unwrap returns the underlying error.
func (e *DialError) Unwrap() error {
	return e.Err
}

// IsDialError reports whether err is or wraps a DialError.
func IsDialError(err error) bool {
	var de *DialError
	return errors.As(err, &de)
}
