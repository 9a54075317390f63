package sessionscope

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var errUnsupportedStatement = errors.New("sessionscope: memory session supports only session context statements")

// Faults makes a MemoryAcquirer fail at chosen steps.
type Faults struct {
	Acquire error
	Set     error
	Clear   error
}

type MemoryStats struct {
	Idle      int
	InUse     int
	Destroyed int
}

// MemoryAcquirer hands out in-process sessions that only hold the tenant and
// user settings. It backs deployments that keep data in memory.
type MemoryAcquirer struct {
	mu        sync.Mutex
	idle      []*memorySession
	inUse     int
	destroyed int
	faults    Faults
}

func NewMemoryAcquirer() *MemoryAcquirer {
	return &MemoryAcquirer{}
}

func (a *MemoryAcquirer) SetFaults(f Faults) {
	a.mu.Lock()
	a.faults = f
	a.mu.Unlock()
}

func (a *MemoryAcquirer) Stats() MemoryStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return MemoryStats{Idle: len(a.idle), InUse: a.inUse, Destroyed: a.destroyed}
}

// IdleSessions returns the pooled sessions for probing.
func (a *MemoryAcquirer) IdleSessions() []RowQuerier {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]RowQuerier, 0, len(a.idle))
	for _, s := range a.idle {
		out = append(out, s)
	}
	return out
}

func (a *MemoryAcquirer) Acquire(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.faults.Acquire != nil {
		return nil, a.faults.Acquire
	}
	var s *memorySession
	if n := len(a.idle); n > 0 {
		s = a.idle[n-1]
		a.idle = a.idle[:n-1]
	} else {
		s = &memorySession{pool: a}
	}
	a.inUse++
	return s, nil
}

type memorySession struct {
	pool *MemoryAcquirer

	mu       sync.Mutex
	tenantID string
	userID   string
}

func (s *memorySession) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s.pool.mu.Lock()
	faults := s.pool.faults
	s.pool.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch sql {
	case setSessionSQL:
		if faults.Set != nil {
			return pgconn.CommandTag{}, faults.Set
		}
		if len(args) != 2 {
			return pgconn.CommandTag{}, fmt.Errorf("sessionscope: want 2 args, got %d", len(args))
		}
		s.tenantID, _ = args[0].(string)
		s.userID, _ = args[1].(string)
	case clearSessionSQL:
		if faults.Clear != nil {
			return pgconn.CommandTag{}, faults.Clear
		}
		s.tenantID, s.userID = "", ""
	default:
		return pgconn.CommandTag{}, errUnsupportedStatement
	}
	return pgconn.NewCommandTag("SELECT 1"), nil
}

func (s *memorySession) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	if sql != probeSQL {
		return memoryRow{err: errUnsupportedStatement}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return memoryRow{vals: []string{s.tenantID, s.userID}}
}

func (s *memorySession) Release() {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	s.pool.inUse--
	s.pool.idle = append(s.pool.idle, s)
}

func (s *memorySession) Destroy(context.Context) error {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	s.pool.inUse--
	s.pool.destroyed++
	return nil
}

type memoryRow struct {
	vals []string
	err  error
}

func (r memoryRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return fmt.Errorf("sessionscope: scan wants %d values, got %d", len(r.vals), len(dest))
	}
	for i, d := range dest {
		p, ok := d.(*string)
		if !ok {
			return fmt.Errorf("sessionscope: scan dest %d is %T", i, d)
		}
		*p = r.vals[i]
	}
	return nil
}
