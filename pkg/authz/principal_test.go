package authz

import (
	"testing"

	"github.com/jacksonlee411/propertyops/pkg/attr"
)

func TestBuildPrincipal_NormalizesAndResolvesDuplicates(t *testing.T) {
	p := BuildPrincipal(
		Identity{SubjectID: " user-1 "},
		[]Membership{
			{TenantID: "t1", Role: " Resident "},
			{TenantID: " t1", Role: "MANAGER"},
			{TenantID: "t1", Role: "viewer"},
			{TenantID: "t2", Role: "zeta"},
			{TenantID: "t2", Role: "alpha"},
			{TenantID: "", Role: "owner"},
			{TenantID: "t3", Role: " "},
		},
		Staff{},
		"t1",
	)
	if p.SubjectID() != "user-1" {
		t.Fatalf("subject=%q", p.SubjectID())
	}
	if r, _ := p.RoleIn("t1"); r != RoleManager {
		t.Fatalf("t1 role=%q", r)
	}
	if r, _ := p.RoleIn("t2"); r != "alpha" {
		t.Fatalf("t2 role=%q", r)
	}
	if _, ok := p.RoleIn("t3"); ok {
		t.Fatal("blank role kept")
	}
	if p.MembershipCount() != 2 || p.ActiveRole() != RoleManager {
		t.Fatalf("count=%d active=%q", p.MembershipCount(), p.ActiveRole())
	}
}

func TestBuildPrincipal_OrderIndependent(t *testing.T) {
	a := BuildPrincipal(Identity{SubjectID: "u"}, []Membership{{"t1", "member"}, {"t1", "owner"}}, Staff{}, "t1")
	b := BuildPrincipal(Identity{SubjectID: "u"}, []Membership{{"t1", "owner"}, {"t1", "member"}}, Staff{}, "t1")
	if a.Signature() != b.Signature() {
		t.Fatal("signature depends on membership order")
	}
	if a.ActiveRole() != RoleOwner {
		t.Fatalf("role=%q", a.ActiveRole())
	}
}

func TestBuildPrincipal_StaffGetsPlatformRole(t *testing.T) {
	p := BuildPrincipal(Identity{SubjectID: "ops"}, nil, Staff{Roles: []string{"Support", "support", "auditor"}}, "t9")
	if r, ok := p.RoleIn("t9"); !ok || r != RolePlatformStaff {
		t.Fatalf("role=%q ok=%v", r, ok)
	}
	if p.IsMember("t9") || p.MembershipCount() != 0 {
		t.Fatal("staff grant counted as membership")
	}
	if got := p.StaffRoles(); len(got) != 2 || got[0] != "auditor" || got[1] != "support" {
		t.Fatalf("staff=%v", got)
	}
	if !p.HasStaffRole("SUPPORT") {
		t.Fatal("expected staff role")
	}

	member := BuildPrincipal(Identity{SubjectID: "ops"}, []Membership{{"t9", "viewer"}}, Staff{Roles: []string{"support"}}, "t9")
	if member.ActiveRole() != RoleViewer {
		t.Fatalf("role=%q", member.ActiveRole())
	}
}

func TestPrincipal_IsImmutable(t *testing.T) {
	attrs := attr.Map{"unit": attr.String("4B")}
	staff := []string{"support"}
	p := BuildPrincipal(Identity{SubjectID: "u", Attributes: attrs}, nil, Staff{Roles: staff}, "t1")
	sig := p.Signature()

	attrs["unit"] = attr.String("9Z")
	staff[0] = "root"
	p.Attributes()["unit"] = attr.String("1A")
	p.StaffRoles()[0] = "root"

	if v, _ := p.Attribute("unit"); v.Str() != "4B" {
		t.Fatalf("unit=%v", v)
	}
	if p.Signature() != sig {
		t.Fatal("signature changed")
	}
}

func TestPrincipal_SignatureDistinguishesSnapshots(t *testing.T) {
	base := BuildPrincipal(Identity{SubjectID: "u"}, []Membership{{"t1", "member"}}, Staff{}, "t1")
	other := []Principal{
		BuildPrincipal(Identity{SubjectID: "v"}, []Membership{{"t1", "member"}}, Staff{}, "t1"),
		BuildPrincipal(Identity{SubjectID: "u"}, []Membership{{"t1", "admin"}}, Staff{}, "t1"),
		BuildPrincipal(Identity{SubjectID: "u"}, []Membership{{"t1", "member"}, {"t2", "member"}}, Staff{}, "t1"),
		BuildPrincipal(Identity{SubjectID: "u", Attributes: attr.Map{"a": attr.Bool(true)}}, []Membership{{"t1", "member"}}, Staff{}, "t1"),
	}
	for i, o := range other {
		if o.Signature() == base.Signature() {
			t.Fatalf("case %d shares signature", i)
		}
	}
	if len(base.Signature()) != 64 {
		t.Fatalf("sig=%q", base.Signature())
	}
}

func TestNewResource(t *testing.T) {
	attrs := attr.Map{"status": attr.String("open"), "bad": {}}
	r := NewResource(" work_order ", " wo-1 ", " t1 ", WithAttributes(attrs), WithTenantAlias(" acme "))
	attrs["status"] = attr.String("closed")
	if r.Kind != "work_order" || r.ID != "wo-1" || r.TenantID != "t1" || r.TenantAlias != "acme" {
		t.Fatalf("r=%+v", r)
	}
	if r.Attributes["status"].Str() != "open" {
		t.Fatalf("attrs=%v", r.Attributes)
	}
	if _, ok := r.Attributes["bad"]; ok {
		t.Fatal("invalid attribute kept")
	}
}
