// Package sessionscope binds tenant and user context to a database session.
//
// Row level security policies read app.current_tenant and app.current_user.
// A Scope sets both on a dedicated pooled connection for the lifetime of one
// request and clears them before the connection goes back to the pool. A
// connection whose context cannot be cleared is destroyed.
package sessionscope

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const DefaultTimeout = 2 * time.Second

const (
	setSessionSQL   = `SELECT set_config('app.current_tenant', $1, false), set_config('app.current_user', $2, false);`
	clearSessionSQL = `SELECT set_config('app.current_tenant', '', false), set_config('app.current_user', '', false);`
	probeSQL        = `SELECT coalesce(current_setting('app.current_tenant', true), ''), coalesce(current_setting('app.current_user', true), '');`
)

var (
	ErrTenantRequired = errors.New("sessionscope: tenant required")
	ErrUnavailable    = errors.New("sessionscope: unavailable")
	ErrClosed         = errors.New("sessionscope: scope closed")
)

type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("sessionscope: %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Querier is the part of a connection handlers may use.
type Querier interface {
	RowQuerier
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Conn is a checked out connection. Release returns it to the pool and
// Destroy closes it so it is never reused.
type Conn interface {
	Querier
	Release()
	Destroy(ctx context.Context) error
}

type Acquirer interface {
	Acquire(ctx context.Context) (Conn, error)
}

type Manager struct {
	acquirer Acquirer
	timeout  time.Duration
	logger   *slog.Logger
}

type Option func(*Manager)

func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewManager(acquirer Acquirer, opts ...Option) *Manager {
	m := &Manager{acquirer: acquirer, timeout: DefaultTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open acquires a connection and binds tenantID and subjectID to it.
func (m *Manager) Open(ctx context.Context, tenantID, subjectID string) (*Scope, error) {
	tenantID = strings.TrimSpace(tenantID)
	subjectID = strings.TrimSpace(subjectID)
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if m == nil || m.acquirer == nil {
		return nil, &UnavailableError{Op: "acquire", Err: errors.New("no acquirer configured")}
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	conn, err := m.acquirer.Acquire(ctx)
	if err != nil {
		return nil, &UnavailableError{Op: "acquire", Err: err}
	}
	if _, err := conn.Exec(ctx, setSessionSQL, tenantID, subjectID); err != nil {
		m.destroy(conn, tenantID, err)
		return nil, &UnavailableError{Op: "set", Err: err}
	}
	return &Scope{manager: m, conn: conn, tenantID: tenantID, subjectID: subjectID}, nil
}

func (m *Manager) destroy(conn Conn, tenantID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	m.logger.Error("session scope close failed",
		"event", "session_scope_close_failed",
		"tenant_id", tenantID,
		"error", cause.Error(),
	)
	if err := conn.Destroy(ctx); err != nil {
		m.logger.Error("session scope destroy failed",
			"event", "session_scope_destroy_failed",
			"tenant_id", tenantID,
			"error", err.Error(),
		)
	}
}

// Scope is the session context of one request. It is not safe for use by
// more than one goroutine at a time.
type Scope struct {
	manager   *Manager
	conn      Conn
	tenantID  string
	subjectID string

	once     sync.Once
	closeErr error
	closed   bool
}

func (s *Scope) TenantID() string  { return s.tenantID }
func (s *Scope) SubjectID() string { return s.subjectID }

// Conn returns the scoped connection. It returns nil after Close.
func (s *Scope) Conn() Querier {
	if s == nil || s.closed {
		return nil
	}
	return s.conn
}

// SQLConn returns the database/sql handle of the scoped connection, or nil
// when the scope is closed or its connection has none.
func (s *Scope) SQLConn() *sql.Conn {
	if s == nil || s.closed {
		return nil
	}
	if c, ok := s.conn.(interface{ SQLConn() *sql.Conn }); ok {
		return c.SQLConn()
	}
	return nil
}

// Close clears the session context and releases the connection. It runs
// once; later calls return the first result. Cancellation of ctx does not
// skip the clear.
func (s *Scope) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.once.Do(func() {
		s.closed = true
		m := s.manager
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()

		if _, err := s.conn.Exec(ctx, clearSessionSQL); err != nil {
			m.destroy(s.conn, s.tenantID, err)
			s.closeErr = &UnavailableError{Op: "clear", Err: err}
			return
		}
		s.conn.Release()
	})
	return s.closeErr
}

// Probe reports the tenant and user bound to q; empty strings mean unset.
func Probe(ctx context.Context, q RowQuerier) (tenantID string, subjectID string, err error) {
	if err := q.QueryRow(ctx, probeSQL).Scan(&tenantID, &subjectID); err != nil {
		return "", "", err
	}
	return tenantID, subjectID, nil
}

type scopeCtxKey struct{}

func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeCtxKey{}, s)
}

func FromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeCtxKey{}).(*Scope)
	return s, ok && s != nil
}
