package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jacksonlee411/propertyops/pkg/authz"
	"github.com/jacksonlee411/propertyops/pkg/idempotency"
	"github.com/jacksonlee411/propertyops/pkg/sessionscope"
)

func engineFromEnv(ctx context.Context) (authz.Engine, error) {
	kind, err := authz.EngineKindFromEnv()
	if err != nil {
		return nil, err
	}
	switch kind {
	case authz.EngineRego:
		path, err := configPath("AUTHZ_REGO_PATH", "config/access/policy.rego")
		if err != nil {
			return nil, err
		}
		return authz.LoadRegoEngine(ctx, path, getenvDefault("AUTHZ_REGO_PACKAGE", "propertyops.authz"))
	case authz.EngineHTTP:
		url := strings.TrimSpace(os.Getenv("AUTHZ_ENGINE_URL"))
		if url == "" {
			return nil, fmt.Errorf("server: AUTHZ_ENGINE_URL is required for AUTHZ_ENGINE=%s", kind)
		}
		return authz.NewHTTPEngine(url)
	default:
		mode, err := authz.ModeFromEnv()
		if err != nil {
			return nil, err
		}
		modelPath, err := configPath("AUTHZ_MODEL_PATH", "config/access/model.conf")
		if err != nil {
			return nil, err
		}
		policyPath, err := configPath("AUTHZ_POLICY_PATH", "config/access/policy.csv")
		if err != nil {
			return nil, err
		}
		return authz.NewCasbinEngine(modelPath, policyPath, mode)
	}
}

// LedgerStoreKind selects the idempotency store (IDEMPOTENCY_STORE).
type LedgerStoreKind string

const (
	LedgerStorePostgres LedgerStoreKind = "postgres"
	LedgerStoreGorm     LedgerStoreKind = "gorm"
	LedgerStoreRedis    LedgerStoreKind = "redis"
	LedgerStoreMemory   LedgerStoreKind = "memory"
)

func ledgerStoreKindFromEnv(storage Storage) (LedgerStoreKind, error) {
	def := LedgerStorePostgres
	if storage == StorageMemory {
		def = LedgerStoreMemory
	}
	switch k := LedgerStoreKind(strings.ToLower(strings.TrimSpace(getenvDefault("IDEMPOTENCY_STORE", string(def))))); k {
	case LedgerStorePostgres, LedgerStoreGorm, LedgerStoreRedis, LedgerStoreMemory:
		return k, nil
	default:
		return "", fmt.Errorf("server: invalid IDEMPOTENCY_STORE %q (expected postgres|gorm|redis|memory)", k)
	}
}

func redisClientFromEnv() (*redis.Client, error) {
	db, err := intEnv("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(&redis.Options{
		Addr:     getenvDefault("REDIS_ADDR", "127.0.0.1:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	}), nil
}

// openPool connects with a pool that destroys connections still carrying
// session scope on release.
func openPool(ctx context.Context, dsn string, logger *slog.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	sessionscope.GuardPool(cfg, logger)
	return pgxpool.NewWithConfig(ctx, cfg)
}

func openGorm(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
}

func openGormOn(sqlDB *sql.DB) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{Logger: gormlogger.Discard})
}

func ledgerOptionsFromEnv(logger *slog.Logger) ([]idempotency.Option, error) {
	retention, err := idempotency.RetentionFromEnv()
	if err != nil {
		return nil, err
	}
	wait, err := idempotency.WaitTimeoutFromEnv()
	if err != nil {
		return nil, err
	}
	return []idempotency.Option{
		idempotency.WithRetention(retention),
		idempotency.WithWaitTimeout(wait),
		idempotency.WithLogger(logger),
	}, nil
}

func clientOptionsFromEnv(logger *slog.Logger) ([]authz.ClientOption, error) {
	timeout, err := authz.EngineTimeoutFromEnv()
	if err != nil {
		return nil, err
	}
	return []authz.ClientOption{authz.WithTimeout(timeout), authz.WithLogger(logger)}, nil
}

const defaultPruneInterval = 10 * time.Minute

// PruneIntervalFromEnv reads IDEMPOTENCY_PRUNE_INTERVAL.
func PruneIntervalFromEnv() (time.Duration, error) {
	return durationEnv("IDEMPOTENCY_PRUNE_INTERVAL", defaultPruneInterval)
}
