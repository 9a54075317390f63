package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jacksonlee411/propertyops/pkg/idempotency"
	"github.com/jacksonlee411/propertyops/pkg/sessionscope"
)

func main() {
	if len(os.Args) < 2 {
		fatalf("usage: dbtool <scope-smoke|ledger-prune> [args]")
	}

	switch os.Args[1] {
	case "scope-smoke":
		scopeSmoke(os.Args[2:])
	case "ledger-prune":
		ledgerPrune(os.Args[2:])
	default:
		fatalf("unknown subcommand: %s", os.Args[1])
	}
}

const smokeRole = "app_nobypassrls"

const (
	tenantA = "00000000-0000-7000-8000-00000000000a"
	tenantB = "00000000-0000-7000-8000-00000000000b"
)

func scopeSmoke(args []string) {
	fs := flag.NewFlagSet("scope-smoke", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url string
	fs.StringVar(&url, "url", "", "postgres connection string")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	rlsFailClosed(ctx, url)
	scopeLifecycle(ctx, url)

	fmt.Println("[scope-smoke] OK")
}

// rlsFailClosed checks that work order queries fail without tenant context
// and see only the bound tenant with it.
func rlsFailClosed(ctx context.Context, url string) {
	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	_ = tryEnsureRole(ctx, conn, smokeRole)

	tx, err := conn.Begin(ctx)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	_ = trySetRole(ctx, tx, smokeRole)
	expectError(ctx, tx, "sp_failclosed", `SELECT count(*) FROM public.work_orders;`,
		"expected fail-closed error when app.current_tenant is missing")

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantA); err != nil {
		fatal(err)
	}
	var count int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM public.work_orders WHERE tenant_id <> $1;`, tenantA).Scan(&count); err != nil {
		fatal(err)
	}
	if count != 0 {
		fatalf("expected no foreign rows under tenant A, got %d", count)
	}
	expectError(ctx, tx, "sp_cross_insert", fmt.Sprintf(`
INSERT INTO public.work_orders (id, tenant_id, title, priority, status, reporter_id, created_at)
VALUES ('00000000-0000-7000-8000-0000000000ff', '%s', 'smoke', 'normal', 'open', 'smoke', now());`, tenantB),
		"expected RLS rejection on cross-tenant insert")
}

func expectError(ctx context.Context, tx pgx.Tx, savepoint, sql, msg string) {
	if !validSQLIdent(savepoint) {
		fatalf("invalid savepoint %q", savepoint)
	}
	if _, err := tx.Exec(ctx, `SAVEPOINT `+savepoint+`;`); err != nil {
		fatal(err)
	}
	_, err := tx.Exec(ctx, sql)
	if _, rbErr := tx.Exec(ctx, `ROLLBACK TO SAVEPOINT `+savepoint+`;`); rbErr != nil {
		fatal(rbErr)
	}
	if err == nil {
		fatalf("%s", msg)
	}
}

// scopeLifecycle opens a session scope on a single-connection pool and
// checks the connection comes back without tenant or user context.
func scopeLifecycle(ctx context.Context, url string) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		fatal(err)
	}
	cfg.MaxConns = 1
	sessionscope.GuardPool(cfg, logger)
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	defer pool.Close()

	mgr := sessionscope.NewManager(sessionscope.PoolAcquirer{Pool: pool}, sessionscope.WithLogger(logger))
	scope, err := mgr.Open(ctx, tenantA, "scope-smoke")
	if err != nil {
		fatal(err)
	}
	tenantID, subjectID, err := sessionscope.Probe(ctx, scope.Conn())
	if err != nil {
		fatal(err)
	}
	if tenantID != tenantA || subjectID != "scope-smoke" {
		fatalf("expected scope context, got tenant=%q user=%q", tenantID, subjectID)
	}
	if err := scope.Close(ctx); err != nil {
		fatal(err)
	}

	c, err := pool.Acquire(ctx)
	if err != nil {
		fatal(err)
	}
	defer c.Release()
	tenantID, subjectID, err = sessionscope.Probe(ctx, c)
	if err != nil {
		fatal(err)
	}
	if tenantID != "" || subjectID != "" {
		fatalf("session context leaked after close: tenant=%q user=%q", tenantID, subjectID)
	}
}

func ledgerPrune(args []string) {
	fs := flag.NewFlagSet("ledger-prune", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url, store string
	fs.StringVar(&url, "url", "", "postgres connection string")
	fs.StringVar(&store, "store", "postgres", "ledger store: postgres|gorm")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var s idempotency.Store
	switch store {
	case "postgres":
		pool, err := pgxpool.New(ctx, url)
		if err != nil {
			fatal(err)
		}
		defer pool.Close()
		s = idempotency.NewPGStore(pool)
	case "gorm":
		db, err := gorm.Open(postgres.Open(url), &gorm.Config{Logger: gormlogger.Discard})
		if err != nil {
			fatal(err)
		}
		s = idempotency.NewGormStore(db, logger)
	default:
		fatalf("unknown --store: %s", store)
	}

	n, err := idempotency.NewLedger(s, idempotency.WithStoreTimeout(25*time.Second)).Prune(ctx)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("[ledger-prune] deleted=%d\n", n)
}

func tryEnsureRole(ctx context.Context, conn *pgx.Conn, role string) error {
	if !validSQLIdent(role) {
		return errors.New("invalid role name")
	}
	var exists bool
	if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1);`, role).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return nil
	}

	stmt := fmt.Sprintf(`DO $$
BEGIN
  IF NOT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = '%s') THEN
    EXECUTE 'CREATE ROLE %s NOBYPASSRLS';
  END IF;
END
$$;`, role, role)
	if _, err := conn.Exec(ctx, stmt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42710" {
			return nil
		}
		return err
	}
	for _, schema := range []string{"public", "iam"} {
		_, _ = conn.Exec(ctx, `GRANT USAGE ON SCHEMA `+schema+` TO `+role+`;`)
		_, _ = conn.Exec(ctx, `GRANT SELECT, INSERT, UPDATE, DELETE ON ALL TABLES IN SCHEMA `+schema+` TO `+role+`;`)
		_, _ = conn.Exec(ctx, `GRANT EXECUTE ON ALL FUNCTIONS IN SCHEMA `+schema+` TO `+role+`;`)
	}
	return nil
}

func trySetRole(ctx context.Context, tx pgx.Tx, role string) bool {
	if _, err := tx.Exec(ctx, `SET LOCAL ROLE `+role+`;`); err != nil {
		return false
	}
	return true
}

var reSQLIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validSQLIdent(s string) bool {
	return reSQLIdent.MatchString(s)
}

func fatal(err error) {
	if err == nil {
		os.Exit(1)
	}
	fatalf("%v", err)
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
