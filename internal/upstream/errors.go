// Package upstream classifies failures of the external services the bridge
// talks to (the ticket tracker and the chat workspace).
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrMalformedResponse marks an upstream response that decoded but lacked a
// required field, or did not decode at all.
var ErrMalformedResponse = errors.New("malformed upstream response")

// APIError is a non-2xx answer from an upstream HTTP API.
type APIError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API responded with status %d: %s", e.Service, e.StatusCode, e.Body)
}

// maxErrorBody caps the response body kept on an APIError.
const maxErrorBody = 512

// TruncateBody returns body as a string, cut to maxErrorBody bytes.
func TruncateBody(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}

// Malformed wraps ErrMalformedResponse with the missing or broken field.
func Malformed(service, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", service, ErrMalformedResponse, fmt.Sprintf(format, args...))
}

// IsTransient reports whether err is worth retrying on a later pass:
// timeouts, dropped connections, throttling and 5xx answers.
// Malformed responses and 4xx answers are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMalformedResponse) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var classified interface{ Transient() bool }
	if errors.As(err, &classified) {
		return classified.Transient()
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"eof",
		"timeout",
		"connection refused",
		"temporary failure",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
