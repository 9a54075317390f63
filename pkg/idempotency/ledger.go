// Package idempotency records the outcome of keyed mutations so that a
// retried request observes the first attempt's result instead of applying
// its side effects again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	DefaultRetention    = 48 * time.Hour
	DefaultWaitTimeout  = 10 * time.Second
	DefaultStoreTimeout = 2 * time.Second
	defaultPollInterval = 50 * time.Millisecond
	maxKeyLength        = 255
)

// HeaderName carries the caller's idempotency key on HTTP requests.
const HeaderName = "Idempotency-Key"

func RetentionFromEnv() (time.Duration, error) {
	return durationFromEnv("IDEMPOTENCY_RETENTION", DefaultRetention)
}

func WaitTimeoutFromEnv() (time.Duration, error) {
	return durationFromEnv("IDEMPOTENCY_WAIT_TIMEOUT", DefaultWaitTimeout)
}

func durationFromEnv(name string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("idempotency: invalid %s", name)
	}
	return d, nil
}

// ValidateKey accepts 1-255 printable ASCII characters without spaces.
func ValidateKey(key string) error {
	if len(key) == 0 || len(key) > maxKeyLength {
		return ErrInvalidKey
	}
	for i := 0; i < len(key); i++ {
		if c := key[i]; c <= ' ' || c > '~' {
			return ErrInvalidKey
		}
	}
	return nil
}

// Fingerprint hashes the JSON encoding of parts. Map keys are encoded in
// sorted order, so equal inputs always yield equal fingerprints.
func Fingerprint(parts ...any) (string, error) {
	b, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("idempotency: fingerprint: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

type Ledger struct {
	store        Store
	retention    time.Duration
	waitTimeout  time.Duration
	storeTimeout time.Duration
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

type Option func(*Ledger)

func WithRetention(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.retention = d
		}
	}
}

func WithWaitTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.waitTimeout = d
		}
	}
}

func WithStoreTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.storeTimeout = d
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:        store,
		retention:    DefaultRetention,
		waitTimeout:  DefaultWaitTimeout,
		storeTimeout: DefaultStoreTimeout,
		pollInterval: defaultPollInterval,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Retention() time.Duration { return l.retention }

// Claim is the outcome of Begin. When Won is false Record holds the live
// record created by an earlier attempt.
type Claim struct {
	Record Record
	Won    bool
}

func (l *Ledger) unavailable(op string, err error) error {
	l.logger.Error("idempotency store unavailable",
		"event", "idempotency_store_unavailable",
		"op", op,
		"error", err.Error(),
	)
	return &StoreUnavailableError{Op: op, Err: err}
}

// Begin atomically claims key for fingerprint. A live record with another
// fingerprint yields ErrConflict.
func (l *Ledger) Begin(ctx context.Context, key, fingerprint string) (Claim, error) {
	if err := ValidateKey(key); err != nil {
		return Claim{}, err
	}
	if fingerprint == "" {
		return Claim{}, errors.New("idempotency: empty fingerprint")
	}
	// Millisecond precision survives every store, so CreatedAt can identify
	// the claim in Finish.
	now := l.now().UTC().Truncate(time.Millisecond)
	rec := Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(l.retention),
	}

	ctx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	defer cancel()
	existing, won, err := l.store.Claim(ctx, rec, now)
	if err != nil {
		return Claim{}, l.unavailable("claim", err)
	}
	if won {
		return Claim{Record: rec, Won: true}, nil
	}
	if existing.Fingerprint != fingerprint {
		return Claim{Record: existing}, ErrConflict
	}
	return Claim{Record: existing}, nil
}

func (l *Ledger) finish(ctx context.Context, claimed Record, status Status, result []byte, errMsg string) error {
	ctx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	defer cancel()
	err := l.store.Finish(ctx, claimed.Key, claimed.CreatedAt, status, result, errMsg)
	if err == nil || errors.Is(err, ErrNotPending) {
		return err
	}
	return l.unavailable("finish", err)
}

// Complete stores the JSON result of the record claimed by Begin. It returns
// ErrNotPending when that claim expired and was taken over.
func (l *Ledger) Complete(ctx context.Context, claimed Record, result []byte) error {
	return l.finish(ctx, claimed, StatusCompleted, result, "")
}

// Fail stores the failure of the record claimed by Begin; retries replay it.
func (l *Ledger) Fail(ctx context.Context, claimed Record, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return l.finish(ctx, claimed, StatusFailed, nil, msg)
}

// Lookup returns the stored result of a completed key.
func (l *Ledger) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}
	rec, ok, err := l.get(ctx, key)
	if err != nil || !ok || rec.Status != StatusCompleted {
		return nil, false, err
	}
	return rec.Result, true, nil
}

func (l *Ledger) get(ctx context.Context, key string) (Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	defer cancel()
	rec, ok, err := l.store.Get(ctx, key, l.now().UTC())
	if err != nil {
		return Record{}, false, l.unavailable("get", err)
	}
	return rec, ok, nil
}

// Prune deletes expired records and returns how many were removed.
func (l *Ledger) Prune(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	defer cancel()
	n, err := l.store.DeleteExpired(ctx, l.now().UTC())
	if err != nil {
		return 0, l.unavailable("prune", err)
	}
	return n, nil
}

// await polls key until it is terminal, the wait timeout passes or the record
// vanishes. ok=false means the record expired and the key may be reclaimed.
func (l *Ledger) await(ctx context.Context, key string) (Record, bool, error) {
	deadline := time.NewTimer(l.waitTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(l.pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return Record{}, false, ctx.Err()
		case <-deadline.C:
			return Record{}, false, ErrInProgress
		case <-tick.C:
		}
		rec, ok, err := l.get(ctx, key)
		if err != nil {
			return Record{}, false, err
		}
		if !ok {
			return Record{}, false, nil
		}
		if rec.Status.Terminal() {
			return rec, true, nil
		}
	}
}

// Do runs fn at most once per key. The winner of the claim runs fn detached
// from ctx cancellation so the record always reaches a terminal state;
// everyone else waits for that state and replays it.
func Do[T any](ctx context.Context, l *Ledger, key, fingerprint string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; attempt < 3; attempt++ {
		claim, err := l.Begin(ctx, key, fingerprint)
		if err != nil {
			return zero, err
		}
		if claim.Won {
			return runClaimed(ctx, l, claim.Record, fn)
		}

		rec := claim.Record
		if !rec.Status.Terminal() {
			var ok bool
			rec, ok, err = l.await(ctx, key)
			if err != nil {
				return zero, err
			}
			if !ok {
				continue
			}
		}
		return replay[T](rec)
	}
	return zero, ErrInProgress
}

func replay[T any](rec Record) (T, error) {
	var out T
	switch rec.Status {
	case StatusCompleted:
		if len(rec.Result) == 0 {
			return out, nil
		}
		if err := json.Unmarshal(rec.Result, &out); err != nil {
			return out, fmt.Errorf("idempotency: decode stored result: %w", err)
		}
		return out, nil
	case StatusFailed:
		return out, &ReplayedFailureError{Key: rec.Key, Message: rec.ErrorMessage}
	default:
		return out, ErrInProgress
	}
}

func runClaimed[T any](ctx context.Context, l *Ledger, claimed Record, fn func(context.Context) (T, error)) (result T, err error) {
	detached := context.WithoutCancel(ctx)
	key := claimed.Key

	defer func() {
		if r := recover(); r != nil {
			if ferr := l.Fail(detached, claimed, fmt.Errorf("panic: %v", r)); ferr != nil {
				l.logger.Error("idempotency finish failed", "event", "idempotency_finish_failed", "key", key, "error", ferr.Error())
			}
			panic(r)
		}
	}()

	result, err = fn(detached)
	if err != nil {
		if ferr := l.Fail(detached, claimed, err); ferr != nil {
			l.logger.Error("idempotency finish failed", "event", "idempotency_finish_failed", "key", key, "error", ferr.Error())
		}
		return result, err
	}

	b, merr := json.Marshal(result)
	if merr != nil {
		merr = fmt.Errorf("idempotency: encode result: %w", merr)
		if ferr := l.Fail(detached, claimed, merr); ferr != nil {
			l.logger.Error("idempotency finish failed", "event", "idempotency_finish_failed", "key", key, "error", ferr.Error())
		}
		return result, merr
	}
	// fn has already applied its effect: a failed Complete is logged, not returned.
	if ferr := l.Complete(detached, claimed, b); ferr != nil {
		l.logger.Error("idempotency finish failed", "event", "idempotency_finish_failed", "key", key, "error", ferr.Error())
	}
	return result, nil
}
