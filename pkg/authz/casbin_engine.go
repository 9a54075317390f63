package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"

	"github.com/jacksonlee411/propertyops/pkg/attr"
	"github.com/jacksonlee411/propertyops/pkg/queryplan"
)

// CasbinEngine evaluates a role table: tenant roles in the tenant's domain,
// staff roles in DomainGlobal. Objects are resource kinds.
type CasbinEngine struct {
	enforcer        *casbin.Enforcer
	mode            Mode
	tenantAttribute string
}

func NewCasbinEngine(modelPath string, policyPath string, mode Mode) (*CasbinEngine, error) {
	adapter := fileadapter.NewAdapter(policyPath)
	enforcer, err := casbin.NewEnforcer(modelPath)
	if err != nil {
		return nil, err
	}
	enforcer.SetAdapter(adapter)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	return &CasbinEngine{enforcer: enforcer, mode: mode, tenantAttribute: "tenant_id"}, nil
}

func (e *CasbinEngine) Mode() Mode { return e.mode }

type casbinRequest struct {
	subject string
	domain  string
}

func (e *CasbinEngine) requests(p Principal, tenantID string) []casbinRequest {
	var out []casbinRequest
	if role, ok := p.RoleIn(tenantID); ok {
		out = append(out, casbinRequest{subject: SubjectFromRoleSlug(role), domain: DomainFromTenantID(tenantID)})
	}
	for _, role := range p.StaffRoles() {
		out = append(out, casbinRequest{subject: SubjectFromRoleSlug(role), domain: DomainGlobal})
	}
	return out
}

func (e *CasbinEngine) enforce(p Principal, tenantID, object, action string) (bool, string, error) {
	if tenantID == "" || !strings.EqualFold(tenantID, p.ActiveTenant()) {
		return false, "resource outside the active tenant", nil
	}
	reqs := e.requests(p, tenantID)
	if len(reqs) == 0 {
		return false, "no role in tenant", nil
	}
	for _, r := range reqs {
		ok, explain, err := e.enforcer.EnforceEx(r.subject, r.domain, object, action)
		if err != nil {
			return false, "", err
		}
		if ok {
			return true, fmt.Sprintf("matched %s", strings.Join(explain, ", ")), nil
		}
	}
	return false, fmt.Sprintf("no policy grants %s on %s to %s", action, object, reqs[0].subject), nil
}

func (e *CasbinEngine) Decide(_ context.Context, req DecideRequest) (Decision, error) {
	switch e.mode {
	case ModeDisabled:
		return Decision{Allowed: true, Reason: "authz disabled"}, nil
	case ModeShadow, ModeEnforce:
	default:
		return Decision{}, errors.New("authz: unknown mode")
	}

	ok, reason, err := e.enforce(req.Principal, req.Resource.TenantID, req.Resource.Kind, req.Action)
	if err != nil {
		return Decision{}, err
	}
	if e.mode == ModeShadow && !ok {
		return Decision{Allowed: true, Reason: "shadow: " + reason}, nil
	}
	return Decision{Allowed: ok, Reason: reason}, nil
}

// Plan grants the whole active tenant when the role table allows the action
// on the kind, and nothing otherwise.
func (e *CasbinEngine) Plan(_ context.Context, req PlanRequest) (queryplan.Plan, error) {
	tenant := req.Principal.ActiveTenant()
	tenantOnly := queryplan.Conditional(queryplan.Eq(e.tenantAttribute, attr.String(tenant)))
	switch e.mode {
	case ModeDisabled:
		return tenantOnly, nil
	case ModeShadow, ModeEnforce:
	default:
		return queryplan.AlwaysDeny(), errors.New("authz: unknown mode")
	}

	ok, _, err := e.enforce(req.Principal, tenant, req.Kind, req.Action)
	if err != nil {
		return queryplan.AlwaysDeny(), err
	}
	if ok || e.mode == ModeShadow {
		return tenantOnly, nil
	}
	return queryplan.AlwaysDeny(), nil
}
