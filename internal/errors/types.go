// Package errors classifies failures so callers can decide between retrying,
// failing the task, or surfacing the problem to the user.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Kind is the classification of an error for scheduling and retry logic.
type Kind int

const (
	// KindValidation - malformed input or schema mismatch. Never retried.
	KindValidation Kind = iota
	// KindTransient - retriable I/O or rate-limit failure.
	KindTransient
	// KindPermanent - non-retriable external failure.
	KindPermanent
	// KindCancellation - normal signal from interrupt or timeout.
	KindCancellation
	// KindBackpressure - the scheduler refused a new spawn.
	KindBackpressure
	// KindParse - LLM output format violation.
	KindParse
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCancellation:
		return "cancellation"
	case KindBackpressure:
		return "backpressure"
	case KindParse:
		return "parse"
	default:
		return "unknown"
	}
}

// ValidationError reports malformed input. Surfaced synchronously, never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
	}
	return "validation: " + e.Message
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// TransientError represents an error that can be retried.
type TransientError struct {
	Err        error
	RetryAfter int // seconds to wait before retry, 0 when unknown
	StatusCode int // HTTP status code if applicable
	Message    string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError creates a transient error with an optional message.
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// PermanentError represents an error that should not be retried.
type PermanentError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError creates a permanent error with an optional message.
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}

// CancellationError is the normal outcome of an interrupt or deadline.
type CancellationError struct {
	Reason string
}

func (e *CancellationError) Error() string {
	if e.Reason != "" {
		return "cancelled: " + e.Reason
	}
	return "cancelled"
}

// NewCancellationError creates a CancellationError with the given reason.
func NewCancellationError(reason string) *CancellationError {
	return &CancellationError{Reason: reason}
}

// BackpressureError signals that the scheduler refused a new task spawn.
// The caller decides whether to retry later.
type BackpressureError struct {
	Ready int
	Limit int
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("backpressure: %d ready tasks exceed limit %d", e.Ready, e.Limit)
}

// ParseError reports an LLM output format violation.
type ParseError struct {
	Err     error
	Snippet string
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse error: %v", e.Err)
	}
	return "parse error"
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsTransient checks if an error is retry-able.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
	}
	if IsCancellation(err) {
		return false
	}

	if isNetworkError(err) {
		return true
	}
	if statusCode := extractHTTPStatusCode(err); statusCode > 0 {
		return isTransientHTTPStatus(statusCode)
	}
	if isSyscallError(err) {
		return true
	}

	return false
}

// IsCancellation checks if an error is a cancellation signal, including
// context cancellation and deadline expiry.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	var cancelErr *CancellationError
	if errors.As(err, &cancelErr) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsBackpressure checks if an error is a scheduler spawn refusal.
func IsBackpressure(err error) bool {
	var bpErr *BackpressureError
	return errors.As(err, &bpErr)
}

// IsValidation checks if an error is a validation failure.
func IsValidation(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}

// Classify maps any error to its Kind. Unrecognized errors classify as
// permanent to avoid infinite retries.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindPermanent
	case IsCancellation(err):
		return KindCancellation
	case IsValidation(err):
		return KindValidation
	case IsBackpressure(err):
		return KindBackpressure
	case isParse(err):
		return KindParse
	case IsTransient(err):
		return KindTransient
	default:
		return KindPermanent
	}
}

func isParse(err error) bool {
	var pErr *ParseError
	return errors.As(err, &pErr)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"timeout",
		"deadline exceeded",
		"connection reset",
		"broken pipe",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func isSyscallError(err error) bool {
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

func isTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func extractHTTPStatusCode(err error) int {
	var transientErr *TransientError
	if errors.As(err, &transientErr) && transientErr.StatusCode > 0 {
		return transientErr.StatusCode
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) && permanentErr.StatusCode > 0 {
		return permanentErr.StatusCode
	}

	lowerErr := strings.ToLower(err.Error())
	for _, code := range []int{429, 500, 502, 503, 504, 400, 401, 403, 404} {
		if strings.Contains(lowerErr, fmt.Sprintf("status %d", code)) ||
			strings.Contains(lowerErr, fmt.Sprintf(" %d ", code)) {
			return code
		}
	}
	return 0
}
