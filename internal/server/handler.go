package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/gorm"

	"github.com/jacksonlee411/propertyops/internal/routing"
	"github.com/jacksonlee411/propertyops/modules/workorder/domain/ports"
	"github.com/jacksonlee411/propertyops/modules/workorder/infrastructure/persistence"
	"github.com/jacksonlee411/propertyops/modules/workorder/presentation/controllers"
	"github.com/jacksonlee411/propertyops/modules/workorder/services"
	"github.com/jacksonlee411/propertyops/pkg/authz"
	"github.com/jacksonlee411/propertyops/pkg/httperr"
	"github.com/jacksonlee411/propertyops/pkg/idempotency"
	"github.com/jacksonlee411/propertyops/pkg/pipeline"
	"github.com/jacksonlee411/propertyops/pkg/queryplan"
	"github.com/jacksonlee411/propertyops/pkg/sessionscope"
)

const entrypoint = "server"

// HandlerOptions overrides what NewHandler would otherwise build from the
// environment. Zero fields are filled from env and config files.
type HandlerOptions struct {
	Logger *slog.Logger

	Engine      authz.Engine
	LedgerStore idempotency.Store
	Acquirer    sessionscope.Acquirer
	WorkOrders  ports.WorkOrderStore
	Tenancy     TenancyResolver
	Memberships MembershipStore
	Registry    queryplan.Registry
	Allowlist   *routing.Allowlist

	// TokenSecret signs and verifies HS256 bearer tokens.
	TokenSecret []byte
	TokenIssuer string
}

type Handler struct {
	router  *routing.Router
	ledger  *idempotency.Ledger
	logger  *slog.Logger
	ready   []func(context.Context) error
	closers []func()
}

func NewHandler(ctx context.Context, opts HandlerOptions) (_ *Handler, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{logger: logger}
	defer func() {
		if err != nil {
			h.Close()
		}
	}()

	if err := h.fillDefaults(ctx, &opts); err != nil {
		return nil, err
	}

	var verifier *tokenVerifier
	if len(opts.TokenSecret) > 0 {
		verifier, err = newTokenVerifier(opts.TokenSecret, opts.TokenIssuer)
	} else {
		verifier, err = tokenVerifierFromEnv()
	}
	if err != nil {
		return nil, err
	}

	clientOpts, err := clientOptionsFromEnv(logger)
	if err != nil {
		return nil, err
	}
	ledgerOpts, err := ledgerOptionsFromEnv(logger)
	if err != nil {
		return nil, err
	}
	h.ledger = idempotency.NewLedger(opts.LedgerStore, ledgerOpts...)

	p := pipeline.New(
		sessionscope.NewManager(opts.Acquirer, sessionscope.WithLogger(logger)),
		authz.NewClient(opts.Engine, clientOpts...),
		pipeline.WithLedger(h.ledger),
		pipeline.WithRegistry(opts.Registry),
		pipeline.WithLogger(logger),
	)

	classifier, err := routing.NewClassifier(*opts.Allowlist, entrypoint)
	if err != nil {
		return nil, err
	}
	router := routing.NewRouter(classifier, logger)

	workOrders := controllers.WorkOrdersController{
		Pipeline: p,
		Service:  services.NewWorkOrderService(opts.WorkOrders),
		Request:  newRequestBuilder(opts.Tenancy, opts.Memberships, verifier, logger),
	}

	router.Handle(routing.RouteClassOps, http.MethodGet, "/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	router.Handle(routing.RouteClassOps, http.MethodGet, "/readyz", http.HandlerFunc(h.handleReady))
	router.Handle(routing.RouteClassPublicAPI, http.MethodGet, "/api/v1/work-orders", http.HandlerFunc(workOrders.HandleList))
	router.Handle(routing.RouteClassPublicAPI, http.MethodPost, "/api/v1/work-orders", http.HandlerFunc(workOrders.HandleCreate))
	router.Handle(routing.RouteClassPublicAPI, http.MethodPost, "/api/v1/work-orders/{id}/close", http.HandlerFunc(workOrders.HandleClose))

	if err := router.Verify(*opts.Allowlist); err != nil {
		return nil, err
	}
	h.router = router
	return h, nil
}

func (h *Handler) fillDefaults(ctx context.Context, opts *HandlerOptions) error {
	if opts.Allowlist == nil {
		path, err := configPath("ALLOWLIST_PATH", "config/routing/allowlist.yaml")
		if err != nil {
			return err
		}
		a, err := routing.LoadAllowlist(path)
		if err != nil {
			return err
		}
		opts.Allowlist = &a
	}
	if opts.Registry == nil {
		path, err := configPath("FIELD_MAPPINGS_PATH", "config/access/field_mappings.yaml")
		if err != nil {
			return err
		}
		reg, err := queryplan.LoadRegistry(path)
		if err != nil {
			return err
		}
		opts.Registry = reg
	}
	if opts.Engine == nil {
		engine, err := engineFromEnv(ctx)
		if err != nil {
			return err
		}
		opts.Engine = engine
	}

	storage, err := storageFromEnv()
	if err != nil {
		return err
	}
	if storage == StorageMemory {
		return h.fillMemory(opts)
	}
	return h.fillPostgres(ctx, opts)
}

func (h *Handler) fillMemory(opts *HandlerOptions) error {
	if opts.Tenancy == nil || opts.Memberships == nil {
		cfg, err := loadTenants()
		if err != nil {
			return err
		}
		if opts.Tenancy == nil {
			opts.Tenancy = newStaticTenancyResolver(cfg.Tenants)
		}
		if opts.Memberships == nil {
			opts.Memberships = newStaticMembershipStore(cfg)
		}
	}
	if opts.Acquirer == nil {
		opts.Acquirer = sessionscope.NewMemoryAcquirer()
	}
	if opts.WorkOrders == nil {
		opts.WorkOrders = persistence.NewMemoryStore()
	}
	if opts.LedgerStore == nil {
		return h.fillLedgerStore(context.Background(), opts, StorageMemory, nil, dbDSNFromEnv())
	}
	return nil
}

func (h *Handler) fillPostgres(ctx context.Context, opts *HandlerOptions) error {
	dsn := dbDSNFromEnv()
	pool, err := openPool(ctx, dsn, h.logger)
	if err != nil {
		return err
	}
	h.closers = append(h.closers, pool.Close)
	h.ready = append(h.ready, pool.Ping)

	if opts.Tenancy == nil {
		opts.Tenancy = newTenancyDBResolver(pool)
	}
	if opts.Memberships == nil {
		opts.Memberships = newPGMembershipStore(pool)
	}

	// Request scopes and the work-order store share one database/sql view of
	// the pool, so store transactions run on the connection the request
	// scoped. Idle conns are not kept, so every release reaches the pool's
	// AfterRelease guard.
	sqlDB := stdlib.OpenDBFromPool(pool)
	sqlDB.SetMaxIdleConns(0)
	h.closers = append(h.closers, func() { _ = sqlDB.Close() })
	if opts.Acquirer == nil {
		opts.Acquirer = sessionscope.SQLAcquirer{DB: sqlDB}
	}
	if opts.WorkOrders == nil {
		db, err := openGormOn(sqlDB)
		if err != nil {
			return err
		}
		opts.WorkOrders = persistence.NewGormStore(db)
	}
	if opts.LedgerStore == nil {
		return h.fillLedgerStore(ctx, opts, StoragePostgres, pool, dsn)
	}
	return nil
}

// fillLedgerStore builds the IDEMPOTENCY_STORE. pool may be nil, in which
// case the database stores open their own connection.
func (h *Handler) fillLedgerStore(ctx context.Context, opts *HandlerOptions, storage Storage, pool *pgxpool.Pool, dsn string) error {
	kind, err := ledgerStoreKindFromEnv(storage)
	if err != nil {
		return err
	}
	switch kind {
	case LedgerStoreMemory:
		opts.LedgerStore = idempotency.NewMemoryStore()
		return nil
	case LedgerStoreRedis:
		return h.fillRedisLedger(opts)
	case LedgerStoreGorm:
		db, err := h.openGorm(dsn)
		if err != nil {
			return err
		}
		opts.LedgerStore = idempotency.NewGormStore(db, h.logger)
		return nil
	}
	if pool == nil {
		pool, err = openPool(ctx, dsn, h.logger)
		if err != nil {
			return err
		}
		h.closers = append(h.closers, pool.Close)
		h.ready = append(h.ready, pool.Ping)
	}
	opts.LedgerStore = idempotency.NewPGStore(pool)
	return nil
}

func (h *Handler) openGorm(dsn string) (*gorm.DB, error) {
	db, err := openGorm(dsn)
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		h.closers = append(h.closers, func() { _ = sqlDB.Close() })
	}
	return db, nil
}

func (h *Handler) fillRedisLedger(opts *HandlerOptions) error {
	client, err := redisClientFromEnv()
	if err != nil {
		return err
	}
	h.closers = append(h.closers, func() { _ = client.Close() })
	h.ready = append(h.ready, func(ctx context.Context) error { return client.Ping(ctx).Err() })
	opts.LedgerStore = idempotency.NewRedisStore(client, getenvDefault("REDIS_KEY_PREFIX", "propertyops:idempotency:"))
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	var errs []error
	for _, check := range h.ready {
		if err := check(r.Context()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		h.logger.Warn("readiness check failed", "event", "readiness_failed", "error", err.Error())
		routing.WriteBoundaryError(w, r, routing.RouteClassOps, httperr.Wrap(httperr.CodeInternal, "not ready", err))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) Ledger() *idempotency.Ledger { return h.ledger }

// Close releases connections opened by NewHandler, last opened first.
func (h *Handler) Close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		h.closers[i]()
	}
	h.closers = nil
}

func newRequestBuilder(tenancy TenancyResolver, memberships MembershipStore, verifier *tokenVerifier, logger *slog.Logger) controllers.RequestBuilder {
	return func(r *http.Request, procedure string) (pipeline.Request, error) {
		req := pipeline.Request{
			ID:             strings.TrimSpace(r.Header.Get(routing.RequestIDHeader)),
			Procedure:      procedure,
			IdempotencyKey: strings.TrimSpace(r.Header.Get(idempotency.HeaderName)),
		}

		claims, err := verifier.identityFromRequest(r)
		if err != nil {
			return pipeline.Request{}, httperr.Wrap(httperr.CodeUnauthenticated, "invalid bearer token", err)
		}

		tenant, ok, err := tenancy.ResolveTenant(r.Context(), tenantKey(r))
		if err != nil {
			logger.Error("tenant resolution failed", "event", "tenancy_resolve_failed", "error", err.Error())
			return pipeline.Request{}, httperr.Wrap(httperr.CodeInternal, "internal error", err)
		}
		if ok {
			req.TenantID = tenant.ID
			req.TenantAlias = tenant.Alias
		}

		if claims == nil {
			return req, nil
		}
		req.Identity = claims.identity()
		req.Memberships, req.Staff, err = callerMemberships(r.Context(), memberships, claims)
		if err != nil {
			logger.Warn("membership lookup failed", "event", "membership_lookup_failed", "subject_id", req.Identity.SubjectID, "error", err.Error())
			return pipeline.Request{}, httperr.Wrap(httperr.CodeAuthorizationUnavailable, "authorization is unavailable", err)
		}
		return req, nil
	}
}
