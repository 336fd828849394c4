package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed set of failure categories surfaced by the engine.
type Kind string

const (
	KindNotFound            Kind = "NOT_FOUND"
	KindBadRequest          Kind = "BAD_REQUEST"
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindForbidden           Kind = "FORBIDDEN"
	KindConflict            Kind = "CONFLICT"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindValidation          Kind = "VALIDATION_ERROR"
	KindConcurrencyConflict Kind = "CONCURRENCY_CONFLICT"
	KindServiceUnavailable  Kind = "SERVICE_UNAVAILABLE"
	KindInternal            Kind = "INTERNAL_ERROR"
)

var statusByKind = map[Kind]int{
	KindNotFound:            http.StatusNotFound,
	KindBadRequest:          http.StatusBadRequest,
	KindUnauthorized:        http.StatusUnauthorized,
	KindForbidden:           http.StatusForbidden,
	KindConflict:            http.StatusConflict,
	KindRateLimited:         http.StatusTooManyRequests,
	KindValidation:          http.StatusBadRequest,
	KindConcurrencyConflict: http.StatusConflict,
	KindServiceUnavailable:  http.StatusServiceUnavailable,
	KindInternal:            http.StatusInternalServerError,
}

// HTTPStatus returns the externally visible status code for k.
func HTTPStatus(k Kind) int {
	if s, ok := statusByKind[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is the typed error returned across the engine boundary.
// Message is safe to show to callers; Cause is for logs only.
type Error struct {
	Kind      Kind
	Message   string
	Details   map[string]any
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithDetails returns a copy of e carrying the given structured details.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// New creates a non-retryable typed error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to a new typed error.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func NotFound(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

func BadRequest(format string, args ...any) *Error {
	return Newf(KindBadRequest, format, args...)
}

func Validation(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return Newf(KindConflict, format, args...)
}

// ConcurrencyConflict reports a stale caller-supplied version. It is never retried.
func ConcurrencyConflict(format string, args ...any) *Error {
	return Newf(KindConcurrencyConflict, format, args...)
}

func RateLimited(format string, args ...any) *Error {
	e := Newf(KindRateLimited, format, args...)
	e.Retryable = true
	return e
}

func Unavailable(cause error, message string) *Error {
	return Wrap(KindServiceUnavailable, cause, message)
}

func Internal(cause error) *Error {
	return Wrap(KindInternal, cause, "internal error")
}

// WriteConflict marks a lost race on a conditional write inside the engine.
// Unlike ConcurrencyConflict the caller did nothing wrong, so it is retried.
func WriteConflict(cause error, format string, args ...any) *Error {
	e := Wrap(KindConflict, cause, fmt.Sprintf(format, args...))
	e.Retryable = true
	return e
}

// As returns the typed error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err classifies as k.
func IsKind(err error, k Kind) bool {
	return err != nil && Classify(err) == k
}

// IsRetryable reports whether the executor may run the unit of work again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return From(err).Retryable
}
