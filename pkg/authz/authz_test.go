package authz

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jacksonlee411/propertyops/pkg/attr"
	"github.com/jacksonlee411/propertyops/pkg/queryplan"
)

func TestModeFromEnv_Default(t *testing.T) {
	t.Setenv("AUTHZ_MODE", "")
	m, err := ModeFromEnv()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if m != ModeEnforce {
		t.Fatalf("mode=%q", m)
	}
}

func TestModeFromEnv_Shadow(t *testing.T) {
	t.Setenv("AUTHZ_MODE", " Shadow ")
	m, err := ModeFromEnv()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if m != ModeShadow {
		t.Fatalf("mode=%q", m)
	}
}

func TestModeFromEnv_DisabledRequiresUnsafe(t *testing.T) {
	t.Setenv("AUTHZ_MODE", "disabled")
	t.Setenv("AUTHZ_UNSAFE_ALLOW_DISABLED", "")
	if _, err := ModeFromEnv(); err == nil {
		t.Fatal("expected error")
	}
	t.Setenv("AUTHZ_UNSAFE_ALLOW_DISABLED", "1")
	m, err := ModeFromEnv()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if m != ModeDisabled {
		t.Fatalf("mode=%q", m)
	}
}

func TestModeFromEnv_Invalid(t *testing.T) {
	t.Setenv("AUTHZ_MODE", "nope")
	if _, err := ModeFromEnv(); err == nil {
		t.Fatal("expected error")
	}
}

func TestEngineKindFromEnv(t *testing.T) {
	t.Setenv("AUTHZ_ENGINE", "")
	if k, err := EngineKindFromEnv(); err != nil || k != EngineCasbin {
		t.Fatalf("k=%q err=%v", k, err)
	}
	t.Setenv("AUTHZ_ENGINE", "REGO")
	if k, err := EngineKindFromEnv(); err != nil || k != EngineRego {
		t.Fatalf("k=%q err=%v", k, err)
	}
	t.Setenv("AUTHZ_ENGINE", "spicedb")
	if _, err := EngineKindFromEnv(); err == nil {
		t.Fatal("expected error")
	}
}

func TestSubjectAndDomain(t *testing.T) {
	if got := SubjectFromRoleSlug(" Manager "); got != "role:manager" {
		t.Fatalf("got=%q", got)
	}
	if got := SubjectFromRoleSlug(""); got != "role:anonymous" {
		t.Fatalf("got=%q", got)
	}
	if got := DomainFromTenantID(" T1 "); got != "t1" {
		t.Fatalf("got=%q", got)
	}
}

const testCasbinModel = `
[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && (p.dom == "*" || r.dom == p.dom) && r.obj == p.obj && r.act == p.act
`

const testCasbinPolicy = `p, role:manager, *, work_order, list
p, role:manager, *, work_order, close
p, role:resident, *, work_order, create
p, role:support, global, work_order, list
`

func newTestCasbinEngine(t *testing.T, mode Mode) *CasbinEngine {
	t.Helper()
	dir := t.TempDir()
	model := filepath.Join(dir, "model.conf")
	policy := filepath.Join(dir, "policy.csv")
	if err := os.WriteFile(model, []byte(testCasbinModel), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(policy, []byte(testCasbinPolicy), 0o644); err != nil {
		t.Fatal(err)
	}
	e, err := NewCasbinEngine(model, policy, mode)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	return e
}

func TestCasbinEngine_Decide(t *testing.T) {
	e := newTestCasbinEngine(t, ModeEnforce)
	ctx := context.Background()
	manager := BuildPrincipal(Identity{SubjectID: "m"}, []Membership{{TenantID: "t1", Role: "manager"}}, Staff{}, "t1")
	resident := BuildPrincipal(Identity{SubjectID: "r"}, []Membership{{TenantID: "t1", Role: "resident"}}, Staff{}, "t1")
	support := BuildPrincipal(Identity{SubjectID: "s"}, nil, Staff{Roles: []string{"support"}}, "t1")

	cases := []struct {
		name   string
		p      Principal
		res    Resource
		action string
		want   bool
	}{
		{name: "manager close", p: manager, res: NewResource("work_order", "wo-1", "t1"), action: ActionClose, want: true},
		{name: "resident close", p: resident, res: NewResource("work_order", "wo-1", "t1"), action: ActionClose, want: false},
		{name: "resident create", p: resident, res: NewResource("work_order", "", "t1"), action: ActionCreate, want: true},
		{name: "other tenant", p: manager, res: NewResource("work_order", "wo-9", "t2"), action: ActionClose, want: false},
		{name: "staff global", p: support, res: NewResource("work_order", "", "t1"), action: ActionList, want: true},
		{name: "staff no grant", p: support, res: NewResource("work_order", "wo-1", "t1"), action: ActionClose, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := e.Decide(ctx, DecideRequest{Principal: tc.p, Resource: tc.res, Action: tc.action})
			if err != nil {
				t.Fatalf("err=%v", err)
			}
			if d.Allowed != tc.want || d.Reason == "" {
				t.Fatalf("d=%+v", d)
			}
		})
	}
}

func TestCasbinEngine_ShadowAndDisabled(t *testing.T) {
	resident := BuildPrincipal(Identity{SubjectID: "r"}, []Membership{{TenantID: "t1", Role: "resident"}}, Staff{}, "t1")
	req := DecideRequest{Principal: resident, Resource: NewResource("work_order", "wo-1", "t1"), Action: ActionClose}

	for _, mode := range []Mode{ModeShadow, ModeDisabled} {
		d, err := newTestCasbinEngine(t, mode).Decide(context.Background(), req)
		if err != nil || !d.Allowed {
			t.Fatalf("mode=%s d=%+v err=%v", mode, d, err)
		}
	}
}

func TestCasbinEngine_Plan(t *testing.T) {
	e := newTestCasbinEngine(t, ModeEnforce)
	ctx := context.Background()
	manager := BuildPrincipal(Identity{SubjectID: "m"}, []Membership{{TenantID: "t1", Role: "manager"}}, Staff{}, "t1")
	resident := BuildPrincipal(Identity{SubjectID: "r"}, []Membership{{TenantID: "t1", Role: "resident"}}, Staff{}, "t1")

	p, err := e.Plan(ctx, PlanRequest{Principal: manager, Kind: "work_order", Action: ActionList})
	if err != nil || p.Kind != queryplan.KindConditional {
		t.Fatalf("p=%v err=%v", p, err)
	}
	if !p.Evaluate(queryplan.Row{"tenant_id": attr.String("t1")}, "m") || p.Evaluate(queryplan.Row{"tenant_id": attr.String("t2")}, "m") {
		t.Fatalf("p=%s", p)
	}

	p, err = e.Plan(ctx, PlanRequest{Principal: resident, Kind: "work_order", Action: ActionList})
	if err != nil || p.Kind != queryplan.KindAlwaysDeny {
		t.Fatalf("p=%v err=%v", p, err)
	}
}

func TestNewCasbinEngine_MissingFiles(t *testing.T) {
	if _, err := NewCasbinEngine(filepath.Join(t.TempDir(), "nope.conf"), "x.csv", ModeEnforce); err == nil {
		t.Fatal("expected error")
	}
}
