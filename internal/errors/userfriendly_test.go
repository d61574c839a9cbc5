package errors

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"testing"
)

func TestUserFriendlyError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      UserFriendlyError
		contains []string
	}{
		{
			name:     "message only",
			err:      UserFriendlyError{Message: "something broke"},
			contains: []string{"something broke"},
		},
		{
			name: "all fields",
			err: UserFriendlyError{
				Message: "connection failed",
				Reason:  "timeout",
				Hint:    "check network",
				Try:     "ping host",
				Err:     fmt.Errorf("dial tcp: timeout"),
			},
			contains: []string{"connection failed", "Reason: timeout", "Hint: check network", "Try: ping host", "Details: dial tcp: timeout"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("Error() = %q, want to contain %q", msg, s)
				}
			}
		})
	}
}

func TestUserFriendlyError_ErrorOmitsEmptyFields(t *testing.T) {
	msg := UserFriendlyError{Message: "msg"}.Error()
	if strings.Contains(msg, "Reason:") || strings.Contains(msg, "Hint:") || strings.Contains(msg, "Try:") || strings.Contains(msg, "Details:") {
		t.Errorf("Error() = %q, should not contain empty fields", msg)
	}
}

func TestUserFriendlyError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("root cause")
	err := UserFriendlyError{Message: "wrapper", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("Unwrap should return the inner error")
	}
}

func TestWrapListenError(t *testing.T) {
	if WrapListenError(nil, "127.0.0.1:2502") != nil {
		t.Error("nil error should return nil")
	}

	err := WrapListenError(fmt.Errorf("listen tcp: %w", syscall.EADDRINUSE), "127.0.0.1:2502")
	var ufe UserFriendlyError
	if !errors.As(err, &ufe) {
		t.Fatalf("expected UserFriendlyError, got %T", err)
	}
	if !strings.Contains(ufe.Message, "127.0.0.1:2502") {
		t.Errorf("message should contain address, got %q", ufe.Message)
	}
	if ufe.Reason != "Address already in use" {
		t.Errorf("unexpected reason: %q", ufe.Reason)
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		t.Error("wrapped error should still match EADDRINUSE")
	}
}

func TestWrapUpstreamError(t *testing.T) {
	if WrapUpstreamError(nil, "10.0.0.1:502") != nil {
		t.Error("nil error should return nil")
	}

	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{"timeout", fmt.Errorf("read: %w", os.ErrDeadlineExceeded), "timeout"},
		{"refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), "refused"},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), "reset"},
		{"eof", io.EOF, "closed by peer"},
		{"generic", fmt.Errorf("something else"), "Network communication failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ufe := WrapUpstreamError(tt.err, "10.0.0.1:502").(UserFriendlyError)
			if !strings.Contains(ufe.Message, "10.0.0.1:502") {
				t.Errorf("message should contain address, got %q", ufe.Message)
			}
			if !strings.Contains(ufe.Reason, tt.reason) {
				t.Errorf("reason = %q, want to contain %q", ufe.Reason, tt.reason)
			}
		})
	}
}

func TestWrapConfigError(t *testing.T) {
	if WrapConfigError(nil, "mbmitm.yaml") != nil {
		t.Error("nil error should return nil")
	}

	ufe := WrapConfigError(fmt.Errorf("invalid yaml"), "mbmitm.yaml").(UserFriendlyError)
	if !strings.Contains(ufe.Message, "mbmitm.yaml") {
		t.Errorf("message should contain config path, got %q", ufe.Message)
	}
	if ufe.Reason != "invalid yaml" {
		t.Errorf("reason should be inner error message, got %q", ufe.Reason)
	}
	if !strings.Contains(ufe.Try, "validate-config") {
		t.Errorf("try should suggest validate-config, got %q", ufe.Try)
	}
}
