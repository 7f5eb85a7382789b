package api

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind groups errors into the failure classes surfaced to users.
type ErrorKind string

const (
	KindNone         ErrorKind = ""
	KindNetwork      ErrorKind = "network"
	KindVendor       ErrorKind = "vendor"
	KindProxy        ErrorKind = "proxy"
	KindMalformed    ErrorKind = "malformed_response"
	KindNotSupported ErrorKind = "not_supported"
	KindNotFound     ErrorKind = "not_found"
	KindValidation   ErrorKind = "validation"
	KindRateLimited  ErrorKind = "rate_limited"
	KindCircuitOpen  ErrorKind = "circuit_open"
	KindUnknown      ErrorKind = "unknown"
)

// NetworkError means the request never reached the server or no response was
// received.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// VendorError is a non-2xx response. Proxy is set when the failure was produced
// by the credential-injecting proxy rather than by the vendor behind it.
type VendorError struct {
	StatusCode int
	Body       string
	RequestID  string
	Proxy      bool
}

func (e *VendorError) Error() string {
	source := "vendor"
	if e.Proxy {
		source = "proxy"
	}
	return fmt.Sprintf("%s error (status %d): %s", source, e.StatusCode, e.Body)
}

// MalformedResponseError is a 2xx response whose body does not have the
// expected shape.
type MalformedResponseError struct {
	URL     string
	Snippet string
	Err     error
}

func (e *MalformedResponseError) Error() string {
	if e.Snippet != "" {
		return fmt.Sprintf("malformed response from %s: %v (body: %s)", e.URL, e.Err, e.Snippet)
	}
	return fmt.Sprintf("malformed response from %s: %v", e.URL, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// NotSupportedError is returned for operations the current vendor API version
// does not provide.
type NotSupportedError struct {
	Operation string
	Reason    string
}

func (e *NotSupportedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s is not supported: %s", e.Operation, e.Reason)
	}
	return fmt.Sprintf("%s is not supported by this vendor API version", e.Operation)
}

// NotFoundError means a referenced id is unknown upstream.
type NotFoundError struct {
	Resource string
	ID       string
	Err      error
}

func (e *NotFoundError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
	}
	return "resource not found"
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// ValidationError is a local rejection; no request was sent.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return e.Message
}

// RateLimitError represents a rate limit exceeded error.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// CircuitBreakerError indicates the circuit breaker is open.
type CircuitBreakerError struct{}

func (e *CircuitBreakerError) Error() string {
	return "circuit breaker is open, too many recent failures"
}

func IsNetworkError(err error) bool {
	var e *NetworkError
	return errors.As(err, &e)
}

func IsVendorError(err error) bool {
	var e *VendorError
	return errors.As(err, &e)
}

func IsMalformedResponse(err error) bool {
	var e *MalformedResponseError
	return errors.As(err, &e)
}

func IsNotSupported(err error) bool {
	var e *NotSupportedError
	return errors.As(err, &e)
}

// IsNotFoundError checks if the error indicates a resource was not found.
func IsNotFoundError(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsValidationError(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// IsRateLimitError checks if the error is a rate limit error.
func IsRateLimitError(err error) bool {
	var e *RateLimitError
	return errors.As(err, &e)
}

// IsCircuitBreakerError checks if the error is a circuit breaker error.
func IsCircuitBreakerError(err error) bool {
	var e *CircuitBreakerError
	return errors.As(err, &e)
}

// Kind classifies err. More specific kinds win: a NotFoundError wrapping a
// VendorError reports KindNotFound.
func Kind(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	switch {
	case IsValidationError(err):
		return KindValidation
	case IsNotSupported(err):
		return KindNotSupported
	case IsNotFoundError(err):
		return KindNotFound
	case IsMalformedResponse(err):
		return KindMalformed
	case IsRateLimitError(err):
		return KindRateLimited
	case IsCircuitBreakerError(err):
		return KindCircuitOpen
	}
	var vendorErr *VendorError
	if errors.As(err, &vendorErr) {
		if vendorErr.Proxy {
			return KindProxy
		}
		return KindVendor
	}
	if IsNetworkError(err) || errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	return KindUnknown
}

// UserMessage renders err as a short message suitable for a status line.
func UserMessage(err error) string {
	switch Kind(err) {
	case KindNone:
		return ""
	case KindNetwork:
		return "Could not reach the server. Check your connection and try again."
	case KindProxy:
		return "The proxy failed to forward the request."
	case KindVendor:
		var vendorErr *VendorError
		if errors.As(err, &vendorErr) {
			return fmt.Sprintf("The server rejected the request (%d): %s", vendorErr.StatusCode, vendorErr.Body)
		}
		return "The server rejected the request."
	case KindMalformed:
		return "The server sent an unexpected response."
	case KindNotSupported, KindNotFound, KindValidation:
		return err.Error()
	case KindRateLimited:
		return "Too many requests; wait a moment and retry."
	case KindCircuitOpen:
		return "Too many recent failures; wait before retrying."
	default:
		return err.Error()
	}
}
