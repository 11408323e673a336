package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := &Error{
		Type:    ErrProtocol,
		Message: "session.created without session id",
	}

	expected := "protocol_violation: session.created without session id"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_WithCode(t *testing.T) {
	err := NewBackendError("rate_limit_exceeded", "too many requests")

	expected := "backend_error: too many requests (code: rate_limit_exceeded)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_Unwrap(t *testing.T) {
	underlying := errors.New("dial tcp: connection refused")
	err := NewConnectivityError("connect failed", underlying)

	if !errors.Is(err, underlying) {
		t.Error("errors.Is should find the wrapped error")
	}
}

func TestError_Recoverable(t *testing.T) {
	tests := []struct {
		errType ErrorType
		want    bool
	}{
		{ErrConnectivity, false},
		{ErrProtocol, true},
		{ErrDevice, true},
		{ErrDecode, true},
		{ErrBackend, true},
		{ErrInvalidRequest, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			err := &Error{Type: tt.errType, Message: "test"}
			if got := err.Recoverable(); got != tt.want {
				t.Errorf("Recoverable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTypeOf(t *testing.T) {
	wrapped := fmt.Errorf("start capture: %w", NewDeviceError("no input device", nil))

	typ, ok := TypeOf(wrapped)
	if !ok {
		t.Fatal("TypeOf should unwrap to a core error")
	}
	if typ != ErrDevice {
		t.Errorf("TypeOf = %v, want %v", typ, ErrDevice)
	}

	if _, ok := TypeOf(errors.New("plain")); ok {
		t.Error("TypeOf should report false for non-core errors")
	}
}

func TestIsDeviceUnavailable(t *testing.T) {
	if !IsDeviceUnavailable(NewDeviceError("no microphone", nil)) {
		t.Error("device error should report device unavailable")
	}
	if IsDeviceUnavailable(NewBackendError("", "server fault")) {
		t.Error("backend error should not report device unavailable")
	}
}
