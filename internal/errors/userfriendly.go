package errors

import (
	"fmt"
	"strings"

	"github.com/rbmk-project/common/errclass"
)

// UserFriendlyError provides user-friendly error messages with context and hints
type UserFriendlyError struct {
	Message string
	Reason  string
	Hint    string
	Try     string
	Err     error
}

func (e UserFriendlyError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Message)
	if e.Reason != "" {
		buf.WriteString("\n  Reason: " + e.Reason)
	}
	if e.Hint != "" {
		buf.WriteString("\n  Hint: " + e.Hint)
	}
	if e.Try != "" {
		buf.WriteString("\n  Try: " + e.Try)
	}
	if e.Err != nil {
		buf.WriteString("\n  Details: " + e.Err.Error())
	}
	return buf.String()
}

func (e UserFriendlyError) Unwrap() error {
	return e.Err
}

// WrapListenError wraps a failure to bind the proxy or simulator listen address.
func WrapListenError(err error, addr string) error {
	if err == nil {
		return nil
	}

	hint := "Another process may already own this address, or the port may need elevated privileges"
	if errclass.New(err) == errclass.EADDRNOTAVAIL {
		hint = "The listen IP is not assigned to any local interface"
	}
	return UserFriendlyError{
		Message: fmt.Sprintf("Failed to listen on %s", addr),
		Reason:  extractNetworkReason(err),
		Hint:    hint,
		Try:     "mbmitm proxy --listen 127.0.0.1:2502",
		Err:     err,
	}
}

// WrapUpstreamError wraps errors talking to the real Modbus device.
func WrapUpstreamError(err error, addr string) error {
	if err == nil {
		return nil
	}

	return UserFriendlyError{
		Message: fmt.Sprintf("Failed to communicate with Modbus device at %s", addr),
		Reason:  extractNetworkReason(err),
		Hint:    "Check that the device (or `mbmitm sim`) is running and reachable on port 502",
		Try:     fmt.Sprintf("mbmitm proxy --upstream %s --log-level debug", addr),
		Err:     err,
	}
}

// WrapConfigError wraps configuration errors with user-friendly context
func WrapConfigError(err error, configPath string) error {
	if err == nil {
		return nil
	}

	return UserFriendlyError{
		Message: fmt.Sprintf("Configuration error in %s", configPath),
		Reason:  err.Error(),
		Hint:    "Run `mbmitm print-default-config` for an annotated starting point",
		Try:     fmt.Sprintf("Validate your config: mbmitm validate-config --config %s", configPath),
		Err:     err,
	}
}

func extractNetworkReason(err error) string {
	switch errclass.New(err) {
	case errclass.ETIMEDOUT:
		return "Connection timeout - device may be offline or unreachable"
	case errclass.ECONNREFUSED:
		return "Connection refused - device may not be listening on this port"
	case errclass.EHOSTUNREACH, errclass.ENETUNREACH:
		return "No route to host - network routing issue or device unreachable"
	case errclass.ECONNRESET:
		return "Connection reset - peer closed the connection unexpectedly"
	case errclass.EADDRINUSE:
		return "Address already in use"
	case errclass.EADDRNOTAVAIL:
		return "Address not available on this host"
	case errclass.EEOF:
		return "Connection closed by peer"
	}

	errStr := err.Error()
	if strings.Contains(errStr, "permission denied") {
		return "Permission denied - ports below 1024 usually need root"
	}
	return "Network communication failed"
}
