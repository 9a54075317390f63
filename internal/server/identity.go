package server

import (
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/jacksonlee411/propertyops/pkg/attr"
	"github.com/jacksonlee411/propertyops/pkg/authz"
)

var (
	errMissingSecret = errors.New("server: JWT_HS256_SECRET is required")
	errInvalidToken  = errors.New("server: invalid bearer token")
)

// Claims is the bearer token payload. Tenants maps tenant id to role; when
// present it replaces the membership store for the request. Staff works the
// same way for platform roles.
type Claims struct {
	Tenants map[string]string `json:"tenants,omitempty"`
	Staff   []string          `json:"staff,omitempty"`
	Attrs   attr.Map          `json:"attrs,omitempty"`
	jwt.RegisteredClaims
}

type tokenVerifier struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

func newTokenVerifier(secret []byte, issuer string) (*tokenVerifier, error) {
	if len(secret) == 0 {
		return nil, errMissingSecret
	}
	return &tokenVerifier{
		secret: secret,
		issuer: strings.TrimSpace(issuer),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}, nil
}

func tokenVerifierFromEnv() (*tokenVerifier, error) {
	return newTokenVerifier([]byte(os.Getenv("JWT_HS256_SECRET")), os.Getenv("JWT_ISSUER"))
}

// Verify parses and validates a raw token.
func (v *tokenVerifier) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, errInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errInvalidToken
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return nil, errInvalidToken
	}
	return claims, nil
}

// Sign issues a token for claims. cmd tooling and tests use it.
func (v *tokenVerifier) Sign(claims Claims) (string, error) {
	if v.issuer != "" && claims.Issuer == "" {
		claims.Issuer = v.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// identityFromRequest returns nil claims when r carries no bearer token.
func (v *tokenVerifier) identityFromRequest(r *http.Request) (*Claims, error) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return nil, nil
	}
	scheme, raw, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
		return nil, errInvalidToken
	}
	return v.Verify(strings.TrimSpace(raw))
}

func (c *Claims) identity() *authz.Identity {
	return &authz.Identity{SubjectID: strings.TrimSpace(c.Subject), Attributes: c.Attrs.Clone()}
}

func (c *Claims) memberships() ([]authz.Membership, bool) {
	if c.Tenants == nil {
		return nil, false
	}
	out := make([]authz.Membership, 0, len(c.Tenants))
	for tenantID, role := range c.Tenants {
		out = append(out, authz.Membership{TenantID: strings.ToLower(strings.TrimSpace(tenantID)), Role: role})
	}
	return out, true
}

func (c *Claims) staff() (authz.Staff, bool) {
	if c.Staff == nil {
		return authz.Staff{}, false
	}
	return authz.Staff{Roles: c.Staff}, true
}
