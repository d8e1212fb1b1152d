// Package apperr defines the error kinds shared by every service layer and
// their mapping onto HTTP responses. Handlers translate an *Error into the
// standard `{"detail": "..."}` envelope; everything below the handler layer
// wraps errors with fmt.Errorf and %w as usual.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping and retry decisions.
type Kind string

const (
	KindInvalidInput         Kind = "invalid_input"
	KindUnauthenticated      Kind = "unauthenticated"
	KindForbidden            Kind = "forbidden"
	KindNotFound             Kind = "not_found"
	KindConflict             Kind = "conflict"
	KindPreconditionFailed   Kind = "precondition_failed"
	KindPayloadTooLarge      Kind = "payload_too_large"
	KindTransientUnavailable Kind = "transient_unavailable"
	KindTimeout              Kind = "timeout"
	KindInternal             Kind = "internal"
)

// Error is a kinded error. Detail is safe to return to API callers; the
// wrapped cause is not.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs an Error with the given kind and caller-visible detail.
func E(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap constructs an Error that carries an underlying cause.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf returns the kind of err, or KindInternal if err carries no kind.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Detail returns the caller-visible message for err. Unkinded errors get a
// generic message so internals never leak.
func Detail(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Detail
	}
	return "internal error"
}

// Status maps an error kind to its HTTP status code.
func Status(err error) int {
	switch KindOf(err) {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindTransientUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Transient reports whether err should be retried by pipeline stages.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindTransientUnavailable, KindTimeout:
		return true
	}
	return false
}
