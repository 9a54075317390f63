package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"gopkg.in/yaml.v3"

	"github.com/jacksonlee411/propertyops/pkg/authz"
)

type Tenant struct {
	ID     string
	Domain string
	Alias  string
	Name   string
}

// TenancyResolver maps a tenant key (hostname, alias or id) to a tenant.
type TenancyResolver interface {
	ResolveTenant(ctx context.Context, key string) (Tenant, bool, error)
}

type staticTenancyResolver struct {
	byKey map[string]Tenant
}

func newStaticTenancyResolver(tenants []Tenant) *staticTenancyResolver {
	m := make(map[string]Tenant, len(tenants)*3)
	for _, t := range tenants {
		for _, k := range []string{t.ID, t.Domain, t.Alias} {
			k = strings.ToLower(strings.TrimSpace(k))
			if k != "" {
				m[k] = t
			}
		}
	}
	return &staticTenancyResolver{byKey: m}
}

func (r *staticTenancyResolver) ResolveTenant(_ context.Context, key string) (Tenant, bool, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return Tenant{}, false, nil
	}
	t, ok := r.byKey[key]
	return t, ok, nil
}

type tenancyDBResolver struct {
	q queryRower
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func newTenancyDBResolver(q queryRower) *tenancyDBResolver {
	return &tenancyDBResolver{q: q}
}

func (r *tenancyDBResolver) ResolveTenant(ctx context.Context, key string) (Tenant, bool, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return Tenant{}, false, nil
	}

	var t Tenant
	err := r.q.QueryRow(ctx, `
SELECT t.id::text, coalesce(d.hostname, ''), t.alias, t.name
FROM iam.tenants t
LEFT JOIN iam.tenant_domains d ON d.tenant_id = t.id AND d.is_primary
WHERE t.is_active = true
  AND (t.id::text = $1
    OR t.alias = $1
    OR EXISTS (SELECT 1 FROM iam.tenant_domains h WHERE h.tenant_id = t.id AND h.hostname = $1))
LIMIT 1
`, key).Scan(&t.ID, &t.Domain, &t.Alias, &t.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, false, nil
		}
		return Tenant{}, false, err
	}
	return t, true, nil
}

type tenantsFile struct {
	Version int            `yaml:"version"`
	Tenants []tenantConfig `yaml:"tenants"`
	Staff   []staffConfig  `yaml:"staff"`
}

type tenantConfig struct {
	ID      string         `yaml:"id"`
	Domain  string         `yaml:"domain"`
	Alias   string         `yaml:"alias"`
	Name    string         `yaml:"name"`
	Members []memberConfig `yaml:"members"`
}

type memberConfig struct {
	Subject string `yaml:"subject"`
	Role    string `yaml:"role"`
}

type staffConfig struct {
	Subject string   `yaml:"subject"`
	Roles   []string `yaml:"roles"`
}

// tenantsConfig is config/tenants.yaml: tenants with their members, and
// platform staff.
type tenantsConfig struct {
	Tenants     []Tenant
	Memberships map[string][]authz.Membership
	Staff       map[string]authz.Staff
}

func defaultTenantsPath() (string, error) {
	return configPath("TENANTS_PATH", "config/tenants.yaml")
}

func loadTenants() (tenantsConfig, error) {
	p, err := defaultTenantsPath()
	if err != nil {
		return tenantsConfig{}, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return tenantsConfig{}, err
	}
	return parseTenants(b)
}

func parseTenants(b []byte) (tenantsConfig, error) {
	var f tenantsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return tenantsConfig{}, err
	}
	if f.Version != 1 {
		return tenantsConfig{}, fmt.Errorf("server: unsupported tenants version %d", f.Version)
	}

	cfg := tenantsConfig{
		Memberships: make(map[string][]authz.Membership),
		Staff:       make(map[string]authz.Staff),
	}
	seen := make(map[string]bool)
	for _, tc := range f.Tenants {
		id := strings.ToLower(strings.TrimSpace(tc.ID))
		if id == "" {
			return tenantsConfig{}, errors.New("server: tenant id is required")
		}
		if seen[id] {
			return tenantsConfig{}, fmt.Errorf("server: duplicate tenant %q", id)
		}
		seen[id] = true
		cfg.Tenants = append(cfg.Tenants, Tenant{
			ID:     id,
			Domain: normalizeHostname(tc.Domain),
			Alias:  strings.ToLower(strings.TrimSpace(tc.Alias)),
			Name:   tc.Name,
		})
		for _, m := range tc.Members {
			subject := strings.TrimSpace(m.Subject)
			if subject == "" || authz.NormalizeRole(m.Role) == "" {
				return tenantsConfig{}, fmt.Errorf("server: tenant %q: member needs subject and role", id)
			}
			cfg.Memberships[subject] = append(cfg.Memberships[subject], authz.Membership{TenantID: id, Role: m.Role})
		}
	}
	for _, s := range f.Staff {
		subject := strings.TrimSpace(s.Subject)
		if subject == "" {
			return tenantsConfig{}, errors.New("server: staff subject is required")
		}
		cfg.Staff[subject] = authz.Staff{Roles: s.Roles}
	}
	return cfg, nil
}
