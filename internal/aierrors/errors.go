// Package aierrors defines the single error taxonomy that every provider
// adapter and hub component maps its native failures into.
package aierrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure. Every external error entering the system is
// mapped to exactly one Kind.
type Kind string

const (
	KindAuthentication    Kind = "authentication"
	KindInvalidRequest    Kind = "invalid_request"
	KindRateLimit         Kind = "rate_limit"
	KindOverloaded        Kind = "overloaded"
	KindTimeout           Kind = "timeout"
	KindNetwork           Kind = "network"
	KindStreamInterrupted Kind = "stream_interrupted"
	KindValidation        Kind = "validation"
	KindInternal          Kind = "internal"
	KindUnknown           Kind = "unknown"
)

// RateLimitInfo carries provider rate-limit hints parsed from response
// headers. All fields are optional.
type RateLimitInfo struct {
	RetryAfter        time.Duration
	RequestsRemaining int
	TokensRemaining   int
	ResetAt           time.Time
}

// Error is a structured error with a taxonomy kind, a user-safe message and
// a context map for diagnostics. The original provider error is preserved in
// Cause for logs only and never serialized into client frames.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Provider  string
	RateLimit *RateLimitInfo
	Context   map[string]any
	Cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given kind and user-safe message.
// Retryability defaults from the kind and can be overridden with WithRetryable.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: defaultRetryable(kind),
	}
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindRateLimit, KindTimeout, KindNetwork, KindInternal, KindStreamInterrupted:
		return true
	default:
		return false
	}
}

// WithCause attaches the original error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable overrides the kind's default retryability.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider records which provider produced the failure.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithRateLimit attaches rate-limit hints parsed from the provider response.
func (e *Error) WithRateLimit(info *RateLimitInfo) *Error {
	e.RateLimit = info
	return e
}

// WithContext adds a diagnostic key/value pair.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// KindOf extracts the taxonomy kind, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether the error may be retried. Foreign errors are
// not retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// RetryAfterHint returns the provider retry-after hint, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.RateLimit != nil && e.RateLimit.RetryAfter > 0 {
		return e.RateLimit.RetryAfter, true
	}
	return 0, false
}

// Wrap converts a foreign error into a taxonomy error. Taxonomy errors pass
// through unchanged.
func Wrap(err error, kind Kind, message string) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return New(kind, message).WithCause(err)
}

// Severity is the log severity a surfaced error should be recorded at.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityOf maps a kind to its log severity: client-caused failures are
// medium, upstream failures that exhausted retries are high, and anything
// unrecognized is critical.
func SeverityOf(kind Kind) Severity {
	switch kind {
	case KindAuthentication, KindInvalidRequest, KindValidation, KindRateLimit, KindOverloaded:
		return SeverityMedium
	case KindTimeout, KindNetwork, KindInternal, KindStreamInterrupted:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}
