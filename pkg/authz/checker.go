package authz

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/jacksonlee411/propertyops/pkg/attr"
	"github.com/jacksonlee411/propertyops/pkg/queryplan"
)

// Checker answers authorization questions for one request. It is bound to a
// single Principal snapshot and caches answers for its own lifetime only.
type Checker struct {
	client      *Client
	principal   Principal
	signature   string
	tenantAlias string
	registry    queryplan.Registry
	logger      *slog.Logger

	mu        sync.Mutex
	decisions map[string]Decision
	plans     map[string]queryplan.Plan
}

type CheckerOption func(*Checker)

func WithRegistry(reg queryplan.Registry) CheckerOption {
	return func(c *Checker) { c.registry = reg }
}

func WithCheckerTenantAlias(alias string) CheckerOption {
	return func(c *Checker) { c.tenantAlias = strings.TrimSpace(alias) }
}

func WithCheckerLogger(logger *slog.Logger) CheckerOption {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewChecker(client *Client, principal Principal, opts ...CheckerOption) *Checker {
	c := &Checker{
		client:    client,
		principal: principal,
		signature: principal.Signature(),
		logger:    slog.Default(),
		decisions: map[string]Decision{},
		plans:     map[string]queryplan.Plan{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Checker) Principal() Principal { return c.principal }

func (c *Checker) resource(kind, id string, attrs attr.Map) Resource {
	return NewResource(kind, id, c.principal.ActiveTenant(), WithAttributes(attrs), WithTenantAlias(c.tenantAlias))
}

func (c *Checker) decide(ctx context.Context, action string, res Resource) (Decision, error) {
	key := c.decisionKey(action, res)
	c.mu.Lock()
	d, ok := c.decisions[key]
	c.mu.Unlock()
	if ok {
		return d, nil
	}

	d, err := c.client.Decide(ctx, DecideRequest{Principal: c.principal, Resource: res, Action: action})
	if err != nil {
		return d, err
	}
	c.mu.Lock()
	c.decisions[key] = d
	c.mu.Unlock()
	return d, nil
}

// Authorize returns nil, *DeniedError or *UnavailableError.
func (c *Checker) Authorize(ctx context.Context, action, kind, id string, attrs attr.Map) error {
	res := c.resource(kind, id, attrs)
	d, err := c.decide(ctx, action, res)
	if err != nil {
		return err
	}
	if d.Allowed {
		return nil
	}
	c.logger.Info("authorization denied",
		"event", "authz_denied",
		"subject_id", c.principal.SubjectID(),
		"tenant_id", c.principal.ActiveTenant(),
		"kind", res.Kind,
		"resource_id", res.ID,
		"action", action,
		"reason", d.Reason,
	)
	return &DeniedError{Action: action, Kind: res.Kind, ID: res.ID, Reason: d.Reason}
}

// Can is Authorize reduced to a bool; unavailability counts as no.
func (c *Checker) Can(ctx context.Context, action, kind, id string, attrs attr.Map) bool {
	d, err := c.decide(ctx, action, c.resource(kind, id, attrs))
	return err == nil && d.Allowed
}

func (c *Checker) Plan(ctx context.Context, action, kind string) (queryplan.Plan, error) {
	key := c.signature + "\x00" + kind + "\x00" + action + "\x00" + c.tenantAlias
	c.mu.Lock()
	p, ok := c.plans[key]
	c.mu.Unlock()
	if ok {
		return p, nil
	}

	p, err := c.client.Plan(ctx, PlanRequest{Principal: c.principal, Kind: kind, Action: action, TenantAlias: c.tenantAlias})
	if err != nil {
		return p, err
	}
	c.mu.Lock()
	c.plans[key] = p
	c.mu.Unlock()
	return p, nil
}

// QueryFilter compiles the plan for kind into a gorm filter scoped to the
// active tenant. A nil mapping falls back to the registry; a kind without
// any mapping matches nothing.
func (c *Checker) QueryFilter(ctx context.Context, action, kind string, mapping *queryplan.KindMapping) (queryplan.Filter, error) {
	km, ok := c.kindMapping(kind, mapping)
	if !ok {
		c.logger.Warn("no field mapping for kind",
			"event", "queryplan_unmapped_kind",
			"kind", kind,
			"action", action,
		)
		return queryplan.Filter{Kind: queryplan.MatchNone, Diagnostics: []queryplan.Diagnostic{{Reason: "no mapping for kind " + kind}}}, nil
	}
	p, err := c.Plan(ctx, action, kind)
	if err != nil {
		return queryplan.Filter{Kind: queryplan.MatchNone}, err
	}
	f := queryplan.Compile(p, km.Fields, queryplan.CompileOptions{
		Table:        km.Table,
		TenantColumn: km.TenantColumn,
		TenantID:     c.principal.ActiveTenant(),
		SubjectID:    c.principal.SubjectID(),
	})
	c.logDiagnostics(kind, action, f.Diagnostics)
	return f, nil
}

// RowFilter is QueryFilter for rows already loaded into memory.
func (c *Checker) RowFilter(ctx context.Context, action, kind string, mapping *queryplan.KindMapping) (*queryplan.RowFilter, error) {
	km, ok := c.kindMapping(kind, mapping)
	if !ok {
		return queryplan.NewRowFilter(queryplan.AlwaysDeny(), nil, queryplan.RowFilterOptions{})
	}
	p, err := c.Plan(ctx, action, kind)
	if err != nil {
		rf, _ := queryplan.NewRowFilter(queryplan.AlwaysDeny(), nil, queryplan.RowFilterOptions{})
		return rf, err
	}
	rf, err := queryplan.NewRowFilter(p, km.Fields, queryplan.RowFilterOptions{
		SubjectID:       c.principal.SubjectID(),
		TenantID:        c.principal.ActiveTenant(),
		TenantAttribute: km.TenantColumn,
	})
	if err != nil {
		return nil, err
	}
	c.logDiagnostics(kind, action, rf.Diagnostics())
	return rf, nil
}

func (c *Checker) kindMapping(kind string, mapping *queryplan.KindMapping) (queryplan.KindMapping, bool) {
	if mapping != nil {
		return *mapping, true
	}
	if c.registry == nil {
		return queryplan.KindMapping{}, false
	}
	return c.registry.Lookup(kind)
}

func (c *Checker) logDiagnostics(kind, action string, diags []queryplan.Diagnostic) {
	for _, d := range diags {
		c.logger.Warn("query plan compiled to match nothing",
			"event", "queryplan_unmapped_attribute",
			"kind", kind,
			"action", action,
			"attribute", d.Attribute,
			"reason", d.Reason,
		)
	}
}

func (c *Checker) decisionKey(action string, res Resource) string {
	b, _ := json.Marshal(res.Attributes)
	return strings.Join([]string{c.signature, res.Kind, res.ID, action, c.tenantAlias, string(b)}, "\x00")
}
