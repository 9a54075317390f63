package sessionscope

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
)

// SQLAcquirer checks connections out of a database/sql pool built with
// stdlib.OpenDBFromPool. The scoped *sql.Conn can then carry gorm sessions,
// so session settings and queries share one backend.
type SQLAcquirer struct {
	DB *sql.DB
}

func (a SQLAcquirer) Acquire(ctx context.Context) (Conn, error) {
	if a.DB == nil {
		return nil, errors.New("sessionscope: nil sql.DB")
	}
	c, err := a.DB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &sqlConn{conn: c}, nil
}

type sqlConn struct {
	conn *sql.Conn
}

func (c *sqlConn) SQLConn() *sql.Conn { return c.conn }

func (c *sqlConn) pgx(fn func(*pgx.Conn) error) error {
	return c.conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("sessionscope: driver conn is %T, want pgx stdlib", dc)
		}
		return fn(sc.Conn())
	})
}

func (c *sqlConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	err := c.pgx(func(pc *pgx.Conn) error {
		var err error
		tag, err = pc.Exec(ctx, sql, args...)
		return err
	})
	return tag, err
}

func (c *sqlConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return sqlConnRow{conn: c, ctx: ctx, sql: sql, args: args}
}

func (c *sqlConn) Release() {
	_ = c.conn.Close()
}

// Destroy closes the backend and reports it bad so database/sql drops it
// instead of returning it to the pool.
func (c *sqlConn) Destroy(ctx context.Context) error {
	err := c.pgx(func(pc *pgx.Conn) error {
		if cerr := pc.Close(ctx); cerr != nil {
			return cerr
		}
		return driver.ErrBadConn
	})
	if errors.Is(err, driver.ErrBadConn) {
		err = nil
	}
	if cerr := c.conn.Close(); err == nil && cerr != nil && !errors.Is(cerr, sql.ErrConnDone) {
		err = cerr
	}
	return err
}

type sqlConnRow struct {
	conn *sqlConn
	ctx  context.Context
	sql  string
	args []any
}

func (r sqlConnRow) Scan(dest ...any) error {
	return r.conn.pgx(func(pc *pgx.Conn) error {
		return pc.QueryRow(r.ctx, r.sql, r.args...).Scan(dest...)
	})
}
