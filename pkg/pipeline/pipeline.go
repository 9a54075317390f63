// Package pipeline runs request handlers behind ordered gates.
//
// Gates wrap one another: Public, Authenticated, TenantScoped and
// ElevatedRole. TenantScoped builds the Principal, opens the session scope
// and attaches the request-scoped Checker and ledger; whatever it opens it
// closes, whatever the handler does. Execute converts internal errors into
// boundary errors at the outermost layer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jacksonlee411/propertyops/pkg/authz"
	"github.com/jacksonlee411/propertyops/pkg/httperr"
	"github.com/jacksonlee411/propertyops/pkg/idempotency"
	"github.com/jacksonlee411/propertyops/pkg/queryplan"
	"github.com/jacksonlee411/propertyops/pkg/sessionscope"
	"github.com/jacksonlee411/propertyops/pkg/uuidv7"
)

// Request is what the transport knows about a caller before any gate runs.
type Request struct {
	// ID is assigned by Execute when empty.
	ID        string
	Procedure string

	// Identity is nil for anonymous callers.
	Identity    *authz.Identity
	Memberships []authz.Membership
	Staff       authz.Staff

	TenantID    string
	TenantAlias string

	IdempotencyKey string
}

type Handler func(ctx context.Context) error

type Gate func(ctx context.Context, next Handler) error

type Pipeline struct {
	scopes   *sessionscope.Manager
	client   *authz.Client
	ledger   *idempotency.Ledger
	registry queryplan.Registry
	logger   *slog.Logger
}

type Option func(*Pipeline)

func WithLedger(l *idempotency.Ledger) Option {
	return func(p *Pipeline) { p.ledger = l }
}

func WithRegistry(reg queryplan.Registry) Option {
	return func(p *Pipeline) { p.registry = reg }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func New(scopes *sessionscope.Manager, client *authz.Client, opts ...Option) *Pipeline {
	p := &Pipeline{scopes: scopes, client: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type requestCtxKey struct{}

type tenantState struct {
	principal authz.Principal
	checker   *authz.Checker
	ledger    *idempotency.Ledger
}

type tenantCtxKey struct{}

func RequestFrom(ctx context.Context) (Request, bool) {
	r, ok := ctx.Value(requestCtxKey{}).(*Request)
	if !ok || r == nil {
		return Request{}, false
	}
	return *r, true
}

func stateFrom(ctx context.Context) (*tenantState, bool) {
	s, ok := ctx.Value(tenantCtxKey{}).(*tenantState)
	return s, ok && s != nil
}

// Execute runs h behind gates and returns nil or a *httperr.Error. A panic
// in a gate or in h is logged and reported as internal_error once every
// deferred teardown has run.
func (p *Pipeline) Execute(ctx context.Context, req Request, h Handler, gates ...Gate) (err error) {
	if req.ID == "" {
		id, idErr := uuidv7.NewString()
		if idErr != nil {
			return httperr.Wrap(httperr.CodeInternal, "internal error", idErr)
		}
		req.ID = id
	}
	ctx = context.WithValue(ctx, requestCtxKey{}, &req)

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("procedure panicked",
				"event", "pipeline_panic",
				"request_id", req.ID,
				"procedure", req.Procedure,
				"panic", fmt.Sprint(r),
			)
			err = httperr.New(httperr.CodeInternal, "internal error")
		}
	}()

	return p.boundary(req, Chain(h, gates...)(ctx))
}

// Chain wraps h in gates; the first gate is outermost.
func Chain(h Handler, gates ...Gate) Handler {
	for i := len(gates) - 1; i >= 0; i-- {
		g, next := gates[i], h
		h = func(ctx context.Context) error { return g(ctx, next) }
	}
	return h
}

// Stack returns the standard gate order for a procedure. With no roles it
// stops at TenantScoped.
func (p *Pipeline) Stack(roles ...string) []Gate {
	gates := []Gate{Public(), Authenticated(), p.TenantScoped()}
	if len(roles) > 0 {
		gates = append(gates, ElevatedRole(roles...))
	}
	return gates
}

func Public() Gate {
	return func(ctx context.Context, next Handler) error { return next(ctx) }
}

func Authenticated() Gate {
	return func(ctx context.Context, next Handler) error {
		req, _ := RequestFrom(ctx)
		if req.Identity == nil || strings.TrimSpace(req.Identity.SubjectID) == "" {
			return httperr.New(httperr.CodeUnauthenticated, "authentication required")
		}
		return next(ctx)
	}
}

func (p *Pipeline) TenantScoped() Gate {
	return func(ctx context.Context, next Handler) error {
		req, _ := RequestFrom(ctx)
		if req.Identity == nil || strings.TrimSpace(req.Identity.SubjectID) == "" {
			return httperr.New(httperr.CodeUnauthenticated, "authentication required")
		}
		tenantID := strings.TrimSpace(req.TenantID)
		if tenantID == "" {
			return httperr.New(httperr.CodeTenantRequired, "tenant required")
		}

		principal := authz.BuildPrincipal(*req.Identity, req.Memberships, req.Staff, tenantID)
		if principal.MembershipCount() == 0 && !principal.IsStaff() {
			return httperr.New(httperr.CodeInvalidIdentity, "identity has no tenant memberships")
		}
		if !principal.IsMember(tenantID) && !principal.IsStaff() {
			return httperr.New(httperr.CodeForbidden, "forbidden")
		}

		scope, err := p.scopes.Open(ctx, tenantID, principal.SubjectID())
		if err != nil {
			return err
		}
		defer func() {
			if cerr := scope.Close(ctx); cerr != nil {
				p.logger.Error("session scope teardown failed",
					"event", "session_scope_close_failed",
					"request_id", req.ID,
					"procedure", req.Procedure,
					"tenant_id", tenantID,
					"error", cerr.Error(),
				)
			}
		}()

		checker := authz.NewChecker(p.client, principal,
			authz.WithRegistry(p.registry),
			authz.WithCheckerTenantAlias(req.TenantAlias),
			authz.WithCheckerLogger(p.logger),
		)
		ctx = sessionscope.WithScope(ctx, scope)
		ctx = context.WithValue(ctx, tenantCtxKey{}, &tenantState{
			principal: principal,
			checker:   checker,
			ledger:    p.ledger,
		})
		return next(ctx)
	}
}

// ElevatedRole requires one of roles in the active tenant, or as a staff
// role. It must run inside TenantScoped.
func ElevatedRole(roles ...string) Gate {
	want := make(map[string]bool, len(roles))
	for _, r := range roles {
		want[authz.NormalizeRole(r)] = true
	}
	return func(ctx context.Context, next Handler) error {
		st, ok := stateFrom(ctx)
		if !ok {
			return errNoTenantScope
		}
		if want[st.principal.ActiveRole()] {
			return next(ctx)
		}
		for _, r := range st.principal.StaffRoles() {
			if want[r] {
				return next(ctx)
			}
		}
		return httperr.New(httperr.CodeForbidden, "forbidden")
	}
}

var errNoTenantScope = errors.New("pipeline: handler helper used outside a tenant-scoped gate")

func (p *Pipeline) boundary(req Request, err error) error {
	if err == nil {
		return nil
	}
	be := toBoundary(err)
	attrs := []any{
		"request_id", req.ID,
		"procedure", req.Procedure,
		"tenant_id", req.TenantID,
		"code", be.Code,
		"error", err.Error(),
	}
	switch {
	case be.Code == httperr.CodeInternal:
		p.logger.Error("procedure failed", append([]any{"event", "pipeline_internal_error"}, attrs...)...)
	case be.Retryable:
		p.logger.Warn("procedure unavailable", append([]any{"event", "pipeline_unavailable"}, attrs...)...)
	default:
		p.logger.Debug("procedure rejected", append([]any{"event", "pipeline_rejected"}, attrs...)...)
	}
	return be
}

func toBoundary(err error) *httperr.Error {
	if e, ok := errors.AsType[*httperr.Error](err); ok {
		return e
	}
	if replayed, ok := errors.AsType[*idempotency.ReplayedFailureError](err); ok {
		if e, ok := httperr.Parse(replayed.Message); ok {
			return e
		}
		return httperr.Wrap(httperr.CodeInternal, "internal error", err)
	}
	switch {
	case errors.Is(err, authz.ErrDenied):
		return httperr.Wrap(httperr.CodeForbidden, "forbidden", err)
	case errors.Is(err, authz.ErrUnavailable):
		return httperr.Wrap(httperr.CodeAuthorizationUnavailable, "authorization is unavailable", err)
	case errors.Is(err, idempotency.ErrConflict):
		return httperr.Wrap(httperr.CodeIdempotencyConflict, "idempotency key reused with a different request", err)
	case errors.Is(err, idempotency.ErrInProgress):
		return httperr.Wrap(httperr.CodeIdempotencyInProgress, "request with this idempotency key is still in progress", err)
	case errors.Is(err, idempotency.ErrInvalidKey):
		return httperr.Wrap(httperr.CodeBadRequest, "invalid idempotency key", err)
	case errors.Is(err, idempotency.ErrStoreUnavailable):
		return httperr.Wrap(httperr.CodeIdempotencyStoreUnavailable, "idempotency store is unavailable", err)
	case errors.Is(err, sessionscope.ErrTenantRequired):
		return httperr.Wrap(httperr.CodeTenantRequired, "tenant required", err)
	case errors.Is(err, sessionscope.ErrUnavailable):
		return httperr.Wrap(httperr.CodeSessionScopeUnavailable, "session scope is unavailable", err)
	}
	return httperr.Wrap(httperr.CodeInternal, "internal error", err)
}
