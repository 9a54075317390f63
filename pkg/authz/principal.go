package authz

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"sort"
	"strings"

	"github.com/jacksonlee411/propertyops/pkg/attr"
)

// Identity is the authenticated caller as reported by the identity layer.
type Identity struct {
	SubjectID  string
	Attributes attr.Map
}

type Membership struct {
	TenantID string
	Role     string
}

// Staff lists the platform-wide roles of a subject, if any.
type Staff struct {
	Roles []string
}

// Principal is the immutable authorization snapshot of one request.
type Principal struct {
	subjectID    string
	roleByTenant map[string]string
	memberOf     map[string]bool
	staffRoles   []string
	attributes   attr.Map
	activeTenant string
}

// BuildPrincipal normalizes identity, memberships and staff roles into a
// Principal. Duplicate memberships for one tenant keep the role with the
// highest precedence. Staff without a membership in the active tenant get
// RolePlatformStaff there.
func BuildPrincipal(identity Identity, memberships []Membership, staff Staff, activeTenant string) Principal {
	p := Principal{
		subjectID:    strings.TrimSpace(identity.SubjectID),
		roleByTenant: map[string]string{},
		memberOf:     map[string]bool{},
		attributes:   identity.Attributes.Clone(),
		activeTenant: strings.TrimSpace(activeTenant),
	}
	if p.attributes == nil {
		p.attributes = attr.Map{}
	}
	for k, v := range p.attributes {
		if !v.IsValid() {
			delete(p.attributes, k)
		}
	}

	for _, m := range memberships {
		tenant := strings.TrimSpace(m.TenantID)
		role := NormalizeRole(m.Role)
		if tenant == "" || role == "" {
			continue
		}
		if cur, ok := p.roleByTenant[tenant]; ok && !rolePrecedes(role, cur) {
			continue
		}
		p.roleByTenant[tenant] = role
		p.memberOf[tenant] = true
	}

	seen := map[string]bool{}
	for _, r := range staff.Roles {
		role := NormalizeRole(r)
		if role == "" || seen[role] {
			continue
		}
		seen[role] = true
		p.staffRoles = append(p.staffRoles, role)
	}
	sort.Strings(p.staffRoles)

	if p.activeTenant != "" && len(p.staffRoles) > 0 {
		if _, ok := p.roleByTenant[p.activeTenant]; !ok {
			p.roleByTenant[p.activeTenant] = RolePlatformStaff
		}
	}
	return p
}

func NormalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

var rolePrecedence = map[string]int{
	RoleOwner:    7,
	RoleAdmin:    6,
	RoleManager:  5,
	RoleStaff:    4,
	RoleMember:   3,
	RoleResident: 2,
	RoleViewer:   1,
}

// rolePrecedes reports whether a should win over b for the same tenant.
func rolePrecedes(a, b string) bool {
	pa, pb := rolePrecedence[a], rolePrecedence[b]
	if pa != pb {
		return pa > pb
	}
	return a < b
}

func (p Principal) SubjectID() string    { return p.subjectID }
func (p Principal) ActiveTenant() string { return p.activeTenant }

// RoleIn returns the role held in tenantID, including the platform-staff
// grant for the active tenant.
func (p Principal) RoleIn(tenantID string) (string, bool) {
	r, ok := p.roleByTenant[strings.TrimSpace(tenantID)]
	return r, ok
}

func (p Principal) ActiveRole() string {
	r, _ := p.RoleIn(p.activeTenant)
	return r
}

// IsMember reports a real membership, not a staff grant.
func (p Principal) IsMember(tenantID string) bool {
	return p.memberOf[strings.TrimSpace(tenantID)]
}

func (p Principal) MembershipCount() int { return len(p.memberOf) }

func (p Principal) Tenants() []string {
	out := make([]string, 0, len(p.roleByTenant))
	for t := range p.roleByTenant {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (p Principal) StaffRoles() []string { return slices.Clone(p.staffRoles) }

func (p Principal) IsStaff() bool { return len(p.staffRoles) > 0 }

func (p Principal) HasStaffRole(role string) bool {
	return slices.Contains(p.staffRoles, NormalizeRole(role))
}

func (p Principal) Attribute(name string) (attr.Value, bool) {
	v, ok := p.attributes[name]
	return v, ok
}

func (p Principal) Attributes() attr.Map { return p.attributes.Clone() }

type principalDocument struct {
	SubjectID     string            `json:"subject_id"`
	ActiveTenant  string            `json:"active_tenant"`
	Role          string            `json:"role"`
	RolesByTenant map[string]string `json:"roles_by_tenant"`
	StaffRoles    []string          `json:"staff_roles"`
	Attributes    attr.Map          `json:"attributes"`
}

func (p Principal) document() principalDocument {
	roles := make(map[string]string, len(p.roleByTenant))
	for k, v := range p.roleByTenant {
		roles[k] = v
	}
	staff := p.StaffRoles()
	if staff == nil {
		staff = []string{}
	}
	attrs := p.attributes.Clone()
	if attrs == nil {
		attrs = attr.Map{}
	}
	return principalDocument{
		SubjectID:     p.subjectID,
		ActiveTenant:  p.activeTenant,
		Role:          p.ActiveRole(),
		RolesByTenant: roles,
		StaffRoles:    staff,
		Attributes:    attrs,
	}
}

// MarshalJSON renders the document sent to policy engines.
func (p Principal) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.document())
}

// Signature identifies the snapshot. Two principals with equal signatures
// receive equal decisions from a deterministic engine.
func (p Principal) Signature() string {
	// encoding/json sorts map keys, which keeps the form canonical.
	b, err := json.Marshal(p.document())
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
