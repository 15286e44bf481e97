package zabbix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/sony/gobreaker"
)

var (
	// ErrUnauthorized is returned when Zabbix rejects the session or token.
	ErrUnauthorized = errors.New("zabbix: unauthorized")

	// ErrTransient marks failures worth one retry: timeouts, resets, 5xx, 429, open breaker.
	ErrTransient = errors.New("zabbix: transient failure")

	// ErrFatal is returned when authentication still fails after a token refresh.
	ErrFatal = errors.New("zabbix: fatal upstream failure")
)

// APIError is a JSON-RPC error object returned by Zabbix.
type APIError struct {
	Method  string
	Code    int
	Message string
	Data    string
}

func (e *APIError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("zabbix %s: %s (%d): %s", e.Method, e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("zabbix %s: %s (%d)", e.Method, e.Message, e.Code)
}

// authMarkers are the substrings Zabbix uses for expired or invalid sessions.
var authMarkers = []string{
	"not authori",
	"session terminated",
	"re-login",
	"incorrect user name or password",
	"api token expired",
}

// isAuthFailure reports whether a JSON-RPC error means the token is no longer valid.
func (e *APIError) isAuthFailure() bool {
	text := strings.ToLower(e.Message + " " + e.Data)
	for _, m := range authMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// transient wraps err so that errors.Is matches both ErrTransient and the cause.
func transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// classifyTransport marks network-level failures as transient. The parent
// context is checked first so cancellation by the caller is never retried.
func classifyTransport(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return transient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return transient(err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return transient(err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return transient(err)
	}
	return err
}

// breakerError maps gobreaker's rejections onto the transient class.
func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return transient(err)
	}
	return err
}
