package server

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/jacksonlee411/propertyops/pkg/authz"
)

// MembershipStore answers which tenants a subject belongs to and which
// platform staff roles it holds.
type MembershipStore interface {
	Memberships(ctx context.Context, subjectID string) ([]authz.Membership, error)
	Staff(ctx context.Context, subjectID string) (authz.Staff, error)
}

type staticMembershipStore struct {
	memberships map[string][]authz.Membership
	staff       map[string]authz.Staff
}

func newStaticMembershipStore(cfg tenantsConfig) *staticMembershipStore {
	return &staticMembershipStore{memberships: cfg.Memberships, staff: cfg.Staff}
}

func (s *staticMembershipStore) Memberships(_ context.Context, subjectID string) ([]authz.Membership, error) {
	ms := s.memberships[subjectID]
	out := make([]authz.Membership, len(ms))
	copy(out, ms)
	return out, nil
}

func (s *staticMembershipStore) Staff(_ context.Context, subjectID string) (authz.Staff, error) {
	st := s.staff[subjectID]
	return authz.Staff{Roles: append([]string(nil), st.Roles...)}, nil
}

type rowsQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// pgMembershipStore reads iam.memberships and iam.platform_staff. Neither
// table is tenant scoped: memberships are needed before a tenant scope
// exists.
type pgMembershipStore struct {
	q rowsQuerier
}

func newPGMembershipStore(q rowsQuerier) *pgMembershipStore {
	return &pgMembershipStore{q: q}
}

func (s *pgMembershipStore) Memberships(ctx context.Context, subjectID string) ([]authz.Membership, error) {
	rows, err := s.q.Query(ctx, `
SELECT m.tenant_id::text, m.role_slug
FROM iam.memberships m
JOIN iam.tenants t ON t.id = m.tenant_id
WHERE m.subject_id = $1
  AND t.is_active = true
ORDER BY m.tenant_id
`, subjectID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (authz.Membership, error) {
		var m authz.Membership
		err := row.Scan(&m.TenantID, &m.Role)
		return m, err
	})
}

func (s *pgMembershipStore) Staff(ctx context.Context, subjectID string) (authz.Staff, error) {
	rows, err := s.q.Query(ctx, `
SELECT role_slug
FROM iam.platform_staff
WHERE subject_id = $1
ORDER BY role_slug
`, subjectID)
	if err != nil {
		return authz.Staff{}, err
	}
	roles, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return authz.Staff{}, err
	}
	return authz.Staff{Roles: roles}, nil
}

// callerMemberships prefers what the token says over the store.
func callerMemberships(ctx context.Context, store MembershipStore, claims *Claims) ([]authz.Membership, authz.Staff, error) {
	subjectID := strings.TrimSpace(claims.Subject)

	ms, ok := claims.memberships()
	if !ok {
		var err error
		ms, err = store.Memberships(ctx, subjectID)
		if err != nil {
			return nil, authz.Staff{}, err
		}
	}
	staff, ok := claims.staff()
	if !ok {
		var err error
		staff, err = store.Staff(ctx, subjectID)
		if err != nil {
			return nil, authz.Staff{}, err
		}
	}
	return ms, staff, nil
}
