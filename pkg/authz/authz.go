// Package authz builds request principals and asks a policy engine what they
// may do. Engines answer point questions (Decide) and list questions (Plan);
// the Client bounds and fails closed around them and the Checker caches their
// answers for the duration of one request.
package authz

import (
	"errors"
	"os"
	"strings"
)

type Mode string

const (
	ModeEnforce  Mode = "enforce"
	ModeShadow   Mode = "shadow"
	ModeDisabled Mode = "disabled"
)

func ModeFromEnv() (Mode, error) {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv("AUTHZ_MODE")))
	if raw == "" {
		return ModeEnforce, nil
	}
	switch Mode(raw) {
	case ModeEnforce, ModeShadow:
		return Mode(raw), nil
	case ModeDisabled:
		if os.Getenv("AUTHZ_UNSAFE_ALLOW_DISABLED") != "1" {
			return "", errors.New("authz: AUTHZ_MODE=disabled requires AUTHZ_UNSAFE_ALLOW_DISABLED=1")
		}
		return ModeDisabled, nil
	default:
		return "", errors.New("authz: invalid AUTHZ_MODE (expected enforce|shadow|disabled)")
	}
}

// EngineKind selects the Engine implementation (AUTHZ_ENGINE).
type EngineKind string

const (
	EngineCasbin EngineKind = "casbin"
	EngineRego   EngineKind = "rego"
	EngineHTTP   EngineKind = "http"
)

func EngineKindFromEnv() (EngineKind, error) {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv("AUTHZ_ENGINE")))
	if raw == "" {
		return EngineCasbin, nil
	}
	switch EngineKind(raw) {
	case EngineCasbin, EngineRego, EngineHTTP:
		return EngineKind(raw), nil
	default:
		return "", errors.New("authz: invalid AUTHZ_ENGINE (expected casbin|rego|http)")
	}
}

func SubjectFromRoleSlug(roleSlug string) string {
	roleSlug = NormalizeRole(roleSlug)
	if roleSlug == "" {
		roleSlug = RoleAnonymous
	}
	return "role:" + roleSlug
}

func DomainFromTenantID(tenantID string) string {
	return strings.ToLower(strings.TrimSpace(tenantID))
}
