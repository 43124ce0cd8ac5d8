package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind represents the category of a streaming-session error.
type ErrorKind string

const (
	// ErrorKindMalformedFrame indicates a frame whose payload is not valid JSON.
	// Contained by the codecs: logged and dropped.
	ErrorKindMalformedFrame ErrorKind = "malformed_frame"

	// ErrorKindUnknownEventType indicates a frame with an unrecognized type tag.
	// Contained by the codecs: logged and dropped.
	ErrorKindUnknownEventType ErrorKind = "unknown_event_type"

	// ErrorKindConnectionLost indicates the heartbeat monitor gave up on a
	// silent stream. The backend job may still be running.
	ErrorKindConnectionLost ErrorKind = "connection_lost"

	// ErrorKindBackendUnavailable indicates the pre-flight health check failed.
	ErrorKindBackendUnavailable ErrorKind = "backend_unavailable"

	// ErrorKindSessionBusy indicates a turn is already in flight.
	ErrorKindSessionBusy ErrorKind = "session_busy"

	// ErrorKindBackendError indicates an explicit error from the backend,
	// either an error frame or a non-2xx response.
	ErrorKindBackendError ErrorKind = "backend_error"

	// ErrorKindStream indicates the transport failed (abort, early close).
	ErrorKindStream ErrorKind = "stream_error"

	ErrorKindInvalidRequest ErrorKind = "invalid_request"
	ErrorKindNotFound       ErrorKind = "not_found"
)

// Error is the canonical error type surfaced by the session core.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	// Retryable reports whether replaying the same turn may succeed.
	Retryable bool `json:"retryable"`

	// StatusCode is the suggested HTTP status code
	StatusCode int `json:"-"`

	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so errors.Is(err,
// domain.NewError(domain.ErrorKindSessionBusy, "")) tests the kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Kind {
	case ErrorKindInvalidRequest, ErrorKindMalformedFrame, ErrorKindUnknownEventType:
		return http.StatusBadRequest
	case ErrorKindNotFound:
		return http.StatusNotFound
	case ErrorKindSessionBusy:
		return http.StatusConflict
	case ErrorKindBackendUnavailable:
		return http.StatusServiceUnavailable
	case ErrorKindConnectionLost:
		return http.StatusGatewayTimeout
	case ErrorKindBackendError, ErrorKindStream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// Convenience constructors for common errors

// ErrMalformedFrame creates a malformed frame error.
func ErrMalformedFrame(cause error) *Error {
	return NewError(ErrorKindMalformedFrame, "malformed frame payload").WithCause(cause)
}

// ErrUnknownEventType creates an unknown event type error.
func ErrUnknownEventType(vocabulary, eventType string) *Error {
	return NewError(ErrorKindUnknownEventType,
		fmt.Sprintf("unknown %s event type %q", vocabulary, eventType))
}

// ErrConnectionLost creates the heartbeat timeout error.
func ErrConnectionLost(message string) *Error {
	e := NewError(ErrorKindConnectionLost, message)
	e.Retryable = true
	return e
}

// ErrBackendUnavailable creates a failed pre-flight error.
func ErrBackendUnavailable(backend string, cause error) *Error {
	e := NewError(ErrorKindBackendUnavailable, fmt.Sprintf("backend %s is unavailable", backend)).WithCause(cause)
	e.Retryable = true
	return e
}

// ErrSessionBusy creates a reentrant-turn error.
func ErrSessionBusy(sessionID string) *Error {
	return NewError(ErrorKindSessionBusy, fmt.Sprintf("session %s already has a turn in flight", sessionID))
}

// ErrBackendError creates an explicit backend error.
func ErrBackendError(message string) *Error {
	e := NewError(ErrorKindBackendError, message)
	e.Retryable = true
	return e
}

// ErrStream creates a transport failure error.
func ErrStream(cause error) *Error {
	e := NewError(ErrorKindStream, "stream failed").WithCause(cause)
	e.Retryable = true
	return e
}

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *Error {
	return NewError(ErrorKindInvalidRequest, message)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *Error {
	return NewError(ErrorKindNotFound, message)
}
