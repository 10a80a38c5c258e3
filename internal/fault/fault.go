// Package fault defines the stable error codes surfaced by the HTTP API and
// the typed error that carries them across component boundaries. Components
// return *fault.Error for conditions a client can act on; everything else
// stays a plain wrapped error and maps to INTERNAL_ERROR at the edge.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure with a stable wire value.
type Code string

const (
	IdentityInvalid Code = "IDENTITY_INVALID"
	ValidationError Code = "VALIDATION_ERROR"
	InvalidTTL      Code = "INVALID_TTL"
	InvalidEvent    Code = "INVALID_EVENT"
	AgentIDInvalid  Code = "AGENT_ID_INVALID"
	ServiceNotFound Code = "SERVICE_NOT_FOUND"
	LockNotFound    Code = "LOCK_NOT_FOUND"
	SessionNotFound Code = "SESSION_NOT_FOUND"
	Timeout         Code = "TIMEOUT"
	LockHeld        Code = "LOCK_HELD"
	FileConflict    Code = "FILE_CONFLICT"
	PortExhausted   Code = "PORT_EXHAUSTED"
	Internal        Code = "INTERNAL_ERROR"
)

// Error is a failure with a stable code and optional structured detail that
// rides along to the API response body.
type Error struct {
	Code    Code
	Message string
	Detail  map[string]any
}

func (e *Error) Error() string { return e.Message }

// New returns an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a key/value pair to the error, allocating the detail
// map on first use. Returns the receiver for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any, 2)
	}
	e.Detail[key] = value
	return e
}

// CodeOf extracts the stable code from err, unwrapping as needed.
// Errors without a code report INTERNAL_ERROR.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return Internal
}

// DetailOf returns the structured detail attached to err, or nil.
func DetailOf(err error) map[string]any {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Detail
	}
	return nil
}

// HTTPStatus maps a code to the status the API responds with.
func HTTPStatus(code Code) int {
	switch code {
	case IdentityInvalid, ValidationError, InvalidTTL, InvalidEvent, AgentIDInvalid:
		return http.StatusBadRequest
	case ServiceNotFound, LockNotFound, SessionNotFound:
		return http.StatusNotFound
	case Timeout:
		return http.StatusRequestTimeout
	case LockHeld, FileConflict:
		return http.StatusConflict
	case PortExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
