package sessionscope

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolAcquirer adapts a pgxpool.Pool to Acquirer.
type PoolAcquirer struct {
	Pool *pgxpool.Pool
}

func (a PoolAcquirer) Acquire(ctx context.Context) (Conn, error) {
	c, err := a.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return pooledConn{Conn: c}, nil
}

type pooledConn struct {
	*pgxpool.Conn
}

func (c pooledConn) Destroy(ctx context.Context) error {
	return c.Hijack().Close(ctx)
}

const guardProbeTimeout = time.Second

// GuardPool makes the pool destroy any released connection that still
// carries tenant or user context, or whose context cannot be read. An
// AfterRelease hook already present on cfg runs first.
func GuardPool(cfg *pgxpool.Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	prev := cfg.AfterRelease
	cfg.AfterRelease = func(c *pgx.Conn) bool {
		if prev != nil && !prev(c) {
			return false
		}
		ctx, cancel := context.WithTimeout(context.Background(), guardProbeTimeout)
		defer cancel()
		return releaseClean(ctx, c, logger)
	}
}

func releaseClean(ctx context.Context, q RowQuerier, logger *slog.Logger) bool {
	tenantID, subjectID, err := Probe(ctx, q)
	if err != nil {
		logger.Error("session scope probe failed",
			"event", "session_scope_probe_failed",
			"error", err.Error(),
		)
		return false
	}
	if tenantID != "" || subjectID != "" {
		logger.Error("session scope leaked into pool",
			"event", "session_scope_leak",
			"tenant_id", tenantID,
			"subject_id", subjectID,
		)
		return false
	}
	return true
}
