package idempotency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLedger(store Store, opts ...Option) *Ledger {
	base := []Option{WithPollInterval(2 * time.Millisecond), WithLogger(discardLogger())}
	return NewLedger(store, append(base, opts...)...)
}

type created struct {
	ID     string `json:"id"`
	Number int    `json:"number"`
}

func TestValidateKey(t *testing.T) {
	for _, key := range []string{"a", "order-1", "tenant:t1:Abc_9~", strings.Repeat("k", 255)} {
		if err := ValidateKey(key); err != nil {
			t.Fatalf("key=%q err=%v", key, err)
		}
	}
	for _, key := range []string{"", "has space", "tab\tkey", "ünicode", strings.Repeat("k", 256)} {
		if err := ValidateKey(key); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("key=%q err=%v", key, err)
		}
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	a, err := Fingerprint("create_work_order", map[string]any{"b": 1, "a": "x"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Fingerprint("create_work_order", map[string]any{"a": "x", "b": 1})
	if err != nil {
		t.Fatal(err)
	}
	if a != b || len(a) != 64 {
		t.Fatalf("a=%s b=%s", a, b)
	}
	c, _ := Fingerprint("close_work_order", map[string]any{"a": "x", "b": 1})
	if c == a {
		t.Fatal("expected procedure name to change fingerprint")
	}
	if _, err := Fingerprint(make(chan int)); err == nil {
		t.Fatal("expected error")
	}
}

func TestEnvDurations(t *testing.T) {
	t.Setenv("IDEMPOTENCY_RETENTION", "")
	if d, err := RetentionFromEnv(); err != nil || d != DefaultRetention {
		t.Fatalf("d=%v err=%v", d, err)
	}
	t.Setenv("IDEMPOTENCY_RETENTION", "2h")
	if d, err := RetentionFromEnv(); err != nil || d != 2*time.Hour {
		t.Fatalf("d=%v err=%v", d, err)
	}
	t.Setenv("IDEMPOTENCY_WAIT_TIMEOUT", "-1s")
	if _, err := WaitTimeoutFromEnv(); err == nil {
		t.Fatal("expected error")
	}
	t.Setenv("IDEMPOTENCY_WAIT_TIMEOUT", "soon")
	if _, err := WaitTimeoutFromEnv(); err == nil {
		t.Fatal("expected error")
	}
}

func TestDo_ConcurrentCallsRunOnce(t *testing.T) {
	l := newTestLedger(NewMemoryStore())
	var calls atomic.Int32

	const n = 16
	results := make([]created, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = Do(context.Background(), l, "k1", "fp", func(context.Context) (created, error) {
				c := calls.Add(1)
				time.Sleep(20 * time.Millisecond)
				return created{ID: "wo-1", Number: int(c)}, nil
			})
		}(i)
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("calls=%d", calls.Load())
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("i=%d err=%v", i, errs[i])
		}
		if results[i] != (created{ID: "wo-1", Number: 1}) {
			t.Fatalf("i=%d result=%+v", i, results[i])
		}
	}
}

func TestDo_ConflictingFingerprint(t *testing.T) {
	l := newTestLedger(NewMemoryStore())
	if _, err := Do(context.Background(), l, "k1", "fp-a", func(context.Context) (int, error) { return 1, nil }); err != nil {
		t.Fatal(err)
	}
	ran := false
	_, err := Do(context.Background(), l, "k1", "fp-b", func(context.Context) (int, error) {
		ran = true
		return 2, nil
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err=%v", err)
	}
	if ran {
		t.Fatal("fn must not run on conflict")
	}
}

func TestDo_ReplaysFailure(t *testing.T) {
	l := newTestLedger(NewMemoryStore())
	calls := 0
	fn := func(context.Context) (int, error) {
		calls++
		return 0, errors.New("vendor rejected")
	}
	if _, err := Do(context.Background(), l, "k1", "fp", fn); err == nil || err.Error() != "vendor rejected" {
		t.Fatalf("err=%v", err)
	}
	_, err := Do(context.Background(), l, "k1", "fp", fn)
	replayed, ok := errors.AsType[*ReplayedFailureError](err)
	if !ok {
		t.Fatalf("err=%v", err)
	}
	if replayed.Message != "vendor rejected" || replayed.Key != "k1" {
		t.Fatalf("replayed=%+v", replayed)
	}
	if calls != 1 {
		t.Fatalf("calls=%d", calls)
	}
}

func TestDo_ExpiredKeyIsFresh(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	l := newTestLedger(store, WithClock(clock.Now), WithRetention(time.Hour))

	if _, err := Do(context.Background(), l, "k1", "fp-a", func(context.Context) (int, error) { return 1, nil }); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour)

	got, err := Do(context.Background(), l, "k1", "fp-b", func(context.Context) (int, error) { return 2, nil })
	if err != nil || got != 2 {
		t.Fatalf("got=%d err=%v", got, err)
	}

	clock.Advance(2 * time.Hour)
	n, err := l.Prune(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if _, ok, _ := store.Get(context.Background(), "k1", clock.Now().Add(-3*time.Hour)); ok {
		t.Fatal("expected record to be deleted")
	}
}

func TestLedger_StaleClaimCannotFinishReclaimedKey(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryStore()
	l := newTestLedger(store, WithClock(clock.Now), WithRetention(time.Hour))

	stale, err := l.Begin(ctx, "k1", "fp")
	if err != nil || !stale.Won {
		t.Fatalf("claim=%+v err=%v", stale, err)
	}
	clock.Advance(time.Hour)
	current, err := l.Begin(ctx, "k1", "fp")
	if err != nil || !current.Won {
		t.Fatalf("claim=%+v err=%v", current, err)
	}

	if err := l.Complete(ctx, stale.Record, []byte(`1`)); !errors.Is(err, ErrNotPending) {
		t.Fatalf("stale complete err=%v", err)
	}
	if err := l.Fail(ctx, stale.Record, errors.New("late")); !errors.Is(err, ErrNotPending) {
		t.Fatalf("stale fail err=%v", err)
	}
	rec, ok, err := store.Get(ctx, "k1", clock.Now())
	if err != nil || !ok || rec.Status != StatusPending || !rec.CreatedAt.Equal(current.Record.CreatedAt) {
		t.Fatalf("rec=%+v ok=%v err=%v", rec, ok, err)
	}

	if err := l.Complete(ctx, current.Record, []byte(`2`)); err != nil {
		t.Fatal(err)
	}
	got, ok, err := l.Lookup(ctx, "k1")
	if err != nil || !ok || string(got) != `2` {
		t.Fatalf("got=%s ok=%v err=%v", got, ok, err)
	}
}

func TestDo_StaleWinnerKeepsReclaimedResult(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newTestLedger(NewMemoryStore(), WithClock(clock.Now), WithRetention(time.Hour))

	got, err := Do(ctx, l, "k1", "fp", func(ctx context.Context) (int, error) {
		clock.Advance(time.Hour)
		inner, err := Do(ctx, l, "k1", "fp", func(context.Context) (int, error) { return 2, nil })
		if err != nil || inner != 2 {
			t.Fatalf("inner=%d err=%v", inner, err)
		}
		return 1, nil
	})
	if err != nil || got != 1 {
		t.Fatalf("got=%d err=%v", got, err)
	}
	replayed, err := Do(ctx, l, "k1", "fp", func(context.Context) (int, error) { return 3, nil })
	if err != nil || replayed != 2 {
		t.Fatalf("replayed=%d err=%v", replayed, err)
	}
}

func TestDo_WinnerIgnoresCancellation(t *testing.T) {
	l := newTestLedger(NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := Do(ctx, l, "k1", "fp", func(ctx context.Context) (string, error) {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "done", nil
	})
	if err != nil || got != "done" {
		t.Fatalf("got=%q err=%v", got, err)
	}
	raw, ok, err := l.Lookup(context.Background(), "k1")
	if err != nil || !ok || string(raw) != `"done"` {
		t.Fatalf("raw=%s ok=%v err=%v", raw, ok, err)
	}
}

func TestDo_PanicRecordsFailure(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(store)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_, _ = Do(context.Background(), l, "k1", "fp", func(context.Context) (int, error) { panic("boom") })
	}()

	rec, ok, err := store.Get(context.Background(), "k1", time.Now())
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if rec.Status != StatusFailed || rec.ErrorMessage != "panic: boom" {
		t.Fatalf("rec=%+v", rec)
	}
}

func TestDo_WaitTimeout(t *testing.T) {
	l := newTestLedger(NewMemoryStore(), WithWaitTimeout(20*time.Millisecond))
	if _, err := l.Begin(context.Background(), "k1", "fp"); err != nil {
		t.Fatal(err)
	}
	_, err := Do(context.Background(), l, "k1", "fp", func(context.Context) (int, error) { return 1, nil })
	if !errors.Is(err, ErrInProgress) {
		t.Fatalf("err=%v", err)
	}
}

func TestDo_InvalidKey(t *testing.T) {
	l := newTestLedger(NewMemoryStore())
	_, err := Do(context.Background(), l, "bad key", "fp", func(context.Context) (int, error) { return 1, nil })
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("err=%v", err)
	}
	if _, _, err := l.Lookup(context.Background(), ""); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("err=%v", err)
	}
}

type failingStore struct{ err error }

func (s failingStore) Claim(context.Context, Record, time.Time) (Record, bool, error) {
	return Record{}, false, s.err
}
func (s failingStore) Finish(context.Context, string, time.Time, Status, []byte, string) error {
	return s.err
}
func (s failingStore) Get(context.Context, string, time.Time) (Record, bool, error) {
	return Record{}, false, s.err
}
func (s failingStore) DeleteExpired(context.Context, time.Time) (int64, error) { return 0, s.err }

func TestLedger_StoreUnavailable(t *testing.T) {
	l := newTestLedger(failingStore{err: errors.New("connection refused")})
	_, err := Do(context.Background(), l, "k1", "fp", func(context.Context) (int, error) { return 1, nil })
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err=%v", err)
	}
	unavailable, ok := errors.AsType[*StoreUnavailableError](err)
	if !ok || unavailable.Op != "claim" {
		t.Fatalf("err=%v", err)
	}
	if _, err := l.Prune(context.Background()); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err=%v", err)
	}
	if _, _, err := l.Lookup(context.Background(), "k1"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err=%v", err)
	}
}

func TestLedger_CompleteTwice(t *testing.T) {
	l := newTestLedger(NewMemoryStore())
	first, err := l.Begin(context.Background(), "k1", "fp")
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Complete(context.Background(), first.Record, []byte(`1`)); err != nil {
		t.Fatal(err)
	}
	if err := l.Fail(context.Background(), first.Record, errors.New("late")); !errors.Is(err, ErrNotPending) {
		t.Fatalf("err=%v", err)
	}
	claim, err := l.Begin(context.Background(), "k1", "fp")
	if err != nil || claim.Won || claim.Record.Status != StatusCompleted {
		t.Fatalf("claim=%+v err=%v", claim, err)
	}
}

func TestBegin_EmptyFingerprint(t *testing.T) {
	l := newTestLedger(NewMemoryStore())
	if _, err := l.Begin(context.Background(), "k1", ""); err == nil {
		t.Fatal("expected error")
	}
}
