package syncerr

import (
	"errors"
	"fmt"
)

// ErrNoClient is returned when no remote client is available, e.g. the
// session is not authenticated yet.
var ErrNoClient = errors.New("no remote client available")

// TransportError wraps network and IO failures, including timeouts.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerError is returned when the remote service rejected a request.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error %d", e.Code)
	}
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// SerializationError wraps a malformed payload.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// NotFoundLocallyError is an index or lookup miss in the local cache.
type NotFoundLocallyError struct {
	ID string
}

func (e *NotFoundLocallyError) Error() string {
	return fmt.Sprintf("%q not found locally", e.ID)
}

// Transport wraps err as a TransportError unless it already carries a type
// from this package.
func Transport(op string, err error) error {
	if err == nil || Classified(err) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// Classified reports whether err already belongs to the taxonomy.
func Classified(err error) bool {
	var (
		te *TransportError
		se *ServerError
		ze *SerializationError
		ne *NotFoundLocallyError
	)
	return errors.As(err, &te) || errors.As(err, &se) || errors.As(err, &ze) ||
		errors.As(err, &ne) || errors.Is(err, ErrNoClient)
}

// IsNotFoundLocally reports whether err is a local lookup miss.
func IsNotFoundLocally(err error) bool {
	var ne *NotFoundLocallyError
	return errors.As(err, &ne)
}

// ServerCode returns the remote status code carried by err, or 0.
func ServerCode(err error) int {
	var se *ServerError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
