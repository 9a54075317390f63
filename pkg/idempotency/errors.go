package idempotency

import (
	"errors"
	"fmt"
)

var (
	ErrConflict         = errors.New("idempotency: key reused with a different request")
	ErrInProgress       = errors.New("idempotency: request still in progress")
	ErrInvalidKey       = errors.New("idempotency: invalid key")
	ErrStoreUnavailable = errors.New("idempotency: store unavailable")
)

type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("idempotency: store unavailable: %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func (e *StoreUnavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

// ReplayedFailureError is returned to retries of a request whose first
// attempt failed. Message is the original error text.
type ReplayedFailureError struct {
	Key     string
	Message string
}

func (e *ReplayedFailureError) Error() string {
	return "idempotency: replayed failure: " + e.Message
}
