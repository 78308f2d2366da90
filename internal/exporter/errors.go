package exporter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/klogsdk/klog-go/internal/auth"
)

// ErrorType represents a category of export error for metrics.
type ErrorType string

const (
	// ErrorTypeNetwork represents network-level errors (DNS, connection refused, etc.)
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeServerError represents server-side errors (5xx status codes)
	ErrorTypeServerError ErrorType = "server_error"
	// ErrorTypeClientError represents client-side errors (4xx status codes)
	ErrorTypeClientError ErrorType = "client_error"
	// ErrorTypeAuth represents authentication/authorization errors (401, 403)
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeRateLimit represents rate limiting errors (429)
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeRedirect represents 3xx responses, which are never followed
	ErrorTypeRedirect ErrorType = "redirect"
	// ErrorTypeCanceled represents a request abandoned by its caller.
	ErrorTypeCanceled ErrorType = "canceled"
	// ErrorTypeUnknown represents unclassified errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// ExportError is a structured error returned from PutLogs requests.
// It carries the error type, HTTP status code and response message
// so the sender can decide between retrying and dropping.
type ExportError struct {
	// Err is the underlying error.
	Err error
	// Type is the classified error type.
	Type ErrorType
	// StatusCode is the HTTP status code (0 for network errors).
	StatusCode int
	// Message is the response body or error detail from the backend.
	Message string
}

// Error implements the error interface.
func (e *ExportError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("export error: type=%s status=%d", e.Type, e.StatusCode)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ExportError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error is transient and the same request
// may succeed on retry (server errors, network issues, timeouts, rate limits).
func (e *ExportError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeServerError, ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is an ExportError worth retrying. Errors
// of any other kind are not.
func IsRetryable(err error) bool {
	var exportErr *ExportError
	return errors.As(err, &exportErr) && exportErr.IsRetryable()
}

// TypeOf returns the classified type of err.
func TypeOf(err error) ErrorType {
	var exportErr *ExportError
	if errors.As(err, &exportErr) {
		return exportErr.Type
	}
	return classifyError(err)
}

// classifyError categorizes a transport error into a low-cardinality error type.
func classifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}
	if errors.Is(err, auth.ErrNoCredentials) {
		return ErrorTypeAuth
	}

	// Check for timeout errors
	if isTimeoutError(err) {
		return ErrorTypeTimeout
	}

	// Check for network errors
	if isNetworkError(err) {
		return ErrorTypeNetwork
	}

	// Check for common error patterns in error string
	errStr := strings.ToLower(err.Error())
	for _, p := range []string{"connection refused", "no such host", "network is unreachable", "connection reset", "broken pipe", "eof"} {
		if strings.Contains(errStr, p) {
			return ErrorTypeNetwork
		}
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
		return ErrorTypeTimeout
	}

	return ErrorTypeUnknown
}

// classifyHTTPStatusCode categorizes an HTTP status code into an error type.
func classifyHTTPStatusCode(statusCode int) ErrorType {
	switch {
	case statusCode == 401 || statusCode == 403:
		return ErrorTypeAuth
	case statusCode == 429:
		return ErrorTypeRateLimit
	case statusCode >= 300 && statusCode < 400:
		return ErrorTypeRedirect
	case statusCode >= 400 && statusCode < 500:
		return ErrorTypeClientError
	case statusCode >= 500:
		return ErrorTypeServerError
	default:
		return ErrorTypeUnknown
	}
}

// isTimeoutError checks if the error is a timeout error.
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isNetworkError checks if the error is a network error.
func isNetworkError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && !netErr.Timeout()
}
