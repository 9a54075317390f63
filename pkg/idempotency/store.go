package idempotency

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Record is the ledger entry for one idempotency key.
type Record struct {
	Key          string
	Fingerprint  string
	Status       Status
	Result       []byte
	ErrorMessage string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

func (r Record) Expired(now time.Time) bool { return !now.Before(r.ExpiresAt) }

// ErrNotPending is returned by Store.Finish when the key has no pending
// record created by the finishing claim.
var ErrNotPending = errors.New("idempotency: record is not pending")

// Store persists records. Implementations must make Claim atomic: of any
// number of concurrent claims for one key, exactly one observes won=true.
type Store interface {
	// Claim inserts rec when the key is absent or expired and reports
	// won=true; otherwise it returns the live record and won=false.
	Claim(ctx context.Context, rec Record, now time.Time) (existing Record, won bool, err error)
	// Finish moves the pending record claimed at claimedAt to a terminal
	// status. A record reclaimed after expiry has a later CreatedAt, so a
	// stale claimant cannot finish it.
	Finish(ctx context.Context, key string, claimedAt time.Time, status Status, result []byte, errMsg string) error
	// Get returns the live (unexpired) record for key.
	Get(ctx context.Context, key string, now time.Time) (Record, bool, error)
	// DeleteExpired removes every record expired at now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
