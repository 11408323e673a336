package core

import (
	"errors"
	"fmt"
)

// Error is the module-wide error envelope. Every failure surfaced to a
// caller is one of these so callers can branch on Type instead of string
// matching.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`
	Wrapped error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrConnectivity covers a socket that never opens or drops past the
	// reconnect budget. Fatal once retries are exhausted.
	ErrConnectivity ErrorType = "connectivity_error"
	// ErrProtocol covers unexpected message shapes or sequences. The current
	// turn is aborted; the session stays usable.
	ErrProtocol ErrorType = "protocol_violation"
	// ErrDevice covers an unavailable microphone or output device. Callers
	// switch to the text path instead of aborting the session.
	ErrDevice ErrorType = "device_error"
	// ErrDecode covers a single audio segment that fails to decode. The
	// segment is skipped and playback continues.
	ErrDecode ErrorType = "decode_error"
	// ErrBackend covers server-reported error envelopes. The turn is
	// aborted and the session returns to ready.
	ErrBackend ErrorType = "backend_error"
	// ErrInvalidRequest covers locally rejected operations, such as a send
	// that is illegal in the current session phase.
	ErrInvalidRequest ErrorType = "invalid_request_error"
)

// NewConnectivityError creates a connectivity error.
func NewConnectivityError(message string, wrapped error) *Error {
	return &Error{Type: ErrConnectivity, Message: message, Wrapped: wrapped}
}

// NewProtocolError creates a protocol violation error.
func NewProtocolError(message string) *Error {
	return &Error{Type: ErrProtocol, Message: message}
}

// NewDeviceError creates a device error.
func NewDeviceError(message string, wrapped error) *Error {
	return &Error{Type: ErrDevice, Message: message, Wrapped: wrapped}
}

// NewDecodeError creates a decode error for a single audio segment.
func NewDecodeError(message string, wrapped error) *Error {
	return &Error{Type: ErrDecode, Message: message, Wrapped: wrapped}
}

// NewBackendError creates an error from a server-reported error envelope.
func NewBackendError(code, message string) *Error {
	return &Error{Type: ErrBackend, Message: message, Code: code}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// Recoverable reports whether the session survives this error. Connectivity
// failures are the only class that terminates the session outright; every
// other class aborts at most the current turn or item.
func (e *Error) Recoverable() bool {
	return e.Type != ErrConnectivity
}

// TypeOf extracts the ErrorType from err, unwrapping as needed. Returns
// false when err is not (and does not wrap) a *Error.
func TypeOf(err error) (ErrorType, bool) {
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr.Type, true
	}
	return "", false
}

// IsDeviceUnavailable reports whether err indicates missing audio hardware
// or permissions, the condition that triggers the text fallback path.
func IsDeviceUnavailable(err error) bool {
	typ, ok := TypeOf(err)
	return ok && typ == ErrDevice
}
