// Package httperr defines the errors that cross the request boundary. Each
// carries a stable code and the HTTP status it maps to; messages are safe to
// show to callers.
package httperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	CodeUnauthenticated             = "unauthenticated"
	CodeTenantRequired              = "tenant_required"
	CodeForbidden                   = "forbidden"
	CodeInvalidIdentity             = "invalid_identity"
	CodeIdempotencyConflict         = "idempotency_conflict"
	CodeIdempotencyInProgress       = "idempotency_in_progress"
	CodeAuthorizationUnavailable    = "authorization_unavailable"
	CodeIdempotencyStoreUnavailable = "idempotency_store_unavailable"
	CodeSessionScopeUnavailable     = "session_scope_unavailable"
	CodeBadRequest                  = "bad_request"
	CodeNotFound                    = "not_found"
	CodeInternal                    = "internal_error"
)

var statusByCode = map[string]int{
	CodeUnauthenticated:             http.StatusUnauthorized,
	CodeTenantRequired:              http.StatusForbidden,
	CodeForbidden:                   http.StatusForbidden,
	CodeInvalidIdentity:             http.StatusForbidden,
	CodeIdempotencyConflict:         http.StatusConflict,
	CodeIdempotencyInProgress:       http.StatusConflict,
	CodeAuthorizationUnavailable:    http.StatusServiceUnavailable,
	CodeIdempotencyStoreUnavailable: http.StatusServiceUnavailable,
	CodeSessionScopeUnavailable:     http.StatusServiceUnavailable,
	CodeBadRequest:                  http.StatusBadRequest,
	CodeNotFound:                    http.StatusNotFound,
	CodeInternal:                    http.StatusInternalServerError,
}

// StatusFor returns the HTTP status of code; unknown codes map to 500.
func StatusFor(code string) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

type Error struct {
	Status  int
	Code    string
	Message string
	// Retryable is set on unavailability errors.
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func New(code, message string) *Error {
	status := StatusFor(code)
	return &Error{
		Status:    status,
		Code:      code,
		Message:   message,
		Retryable: status == http.StatusServiceUnavailable,
	}
}

// Wrap is New with cause attached for errors.Is/As; cause never reaches the
// caller's message.
func Wrap(code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

func Newf(code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

func NewBadRequest(msg string) error { return New(CodeBadRequest, msg) }

func IsBadRequest(err error) bool {
	return HasCode(err, CodeBadRequest)
}

func HasCode(err error, code string) bool {
	e, ok := errors.AsType[*Error](err)
	return ok && e.Code == code
}

// From returns err as a boundary error. Errors that are not boundary errors
// become internal_error without exposing their text.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := errors.AsType[*Error](err); ok {
		return e
	}
	return Wrap(CodeInternal, "internal error", err)
}

// Parse reverses Error(): it recognizes "code" and "code: message" for known
// codes. It is used to restore a boundary error from its stored text.
func Parse(s string) (*Error, bool) {
	code, msg, _ := strings.Cut(s, ": ")
	if _, ok := statusByCode[code]; !ok {
		return nil, false
	}
	return New(code, msg), true
}
