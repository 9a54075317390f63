package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/jacksonlee411/propertyops/pkg/attr"
	"github.com/jacksonlee411/propertyops/pkg/authz"
	"github.com/jacksonlee411/propertyops/pkg/idempotency"
	"github.com/jacksonlee411/propertyops/pkg/queryplan"
	"github.com/jacksonlee411/propertyops/pkg/sessionscope"
)

func PrincipalFrom(ctx context.Context) (authz.Principal, bool) {
	st, ok := stateFrom(ctx)
	if !ok {
		return authz.Principal{}, false
	}
	return st.principal, true
}

func CheckerFrom(ctx context.Context) (*authz.Checker, bool) {
	st, ok := stateFrom(ctx)
	if !ok {
		return nil, false
	}
	return st.checker, true
}

func ScopeFrom(ctx context.Context) (*sessionscope.Scope, bool) {
	return sessionscope.FromContext(ctx)
}

// Authorize returns nil when action on the resource is allowed.
func Authorize(ctx context.Context, action, kind, id string, attrs attr.Map) error {
	st, ok := stateFrom(ctx)
	if !ok {
		return errNoTenantScope
	}
	return st.checker.Authorize(ctx, action, kind, id, attrs)
}

func Can(ctx context.Context, action, kind, id string, attrs attr.Map) bool {
	st, ok := stateFrom(ctx)
	if !ok {
		return false
	}
	return st.checker.Can(ctx, action, kind, id, attrs)
}

// QueryFilter compiles the list plan for kind. mapping may be nil to use the
// registry the pipeline was built with.
func QueryFilter(ctx context.Context, action, kind string, mapping *queryplan.KindMapping) (queryplan.Filter, error) {
	st, ok := stateFrom(ctx)
	if !ok {
		return queryplan.Filter{}, errNoTenantScope
	}
	return st.checker.QueryFilter(ctx, action, kind, mapping)
}

func RowFilter(ctx context.Context, action, kind string, mapping *queryplan.KindMapping) (*queryplan.RowFilter, error) {
	st, ok := stateFrom(ctx)
	if !ok {
		return nil, errNoTenantScope
	}
	return st.checker.RowFilter(ctx, action, kind, mapping)
}

// WithIdempotency runs fn at most once for the request's idempotency key
// within the active tenant and subject. input is fingerprinted with the
// procedure name, so reusing a key for another request is a conflict.
func WithIdempotency[T any](ctx context.Context, input any, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	st, ok := stateFrom(ctx)
	if !ok {
		return zero, errNoTenantScope
	}
	if st.ledger == nil {
		return zero, &idempotency.StoreUnavailableError{Op: "claim", Err: errNoLedger}
	}
	req, _ := RequestFrom(ctx)
	key := strings.TrimSpace(req.IdempotencyKey)
	if err := idempotency.ValidateKey(key); err != nil {
		return zero, err
	}
	fp, err := idempotency.Fingerprint(req.Procedure, input)
	if err != nil {
		return zero, err
	}
	ledgerKey := LedgerKey(st.principal.ActiveTenant(), st.principal.SubjectID(), key)
	return idempotency.Do(ctx, st.ledger, ledgerKey, fp, fn)
}

var errNoLedger = errors.New("pipeline: no idempotency ledger configured")

// LedgerKey namespaces a caller key by tenant and subject, so one caller
// never replays another's result. Keys that would not fit the ledger limit,
// or whose subject contains the separator, are replaced by a digest.
func LedgerKey(tenantID, subjectID, key string) string {
	prefix := "tenant:" + tenantID + ":"
	if !strings.Contains(subjectID, ":") {
		if k := prefix + "subject:" + subjectID + ":" + key; idempotency.ValidateKey(k) == nil {
			return k
		}
	}
	sum := sha256.Sum256([]byte(subjectID + "\x00" + key))
	return prefix + "sha256:" + hex.EncodeToString(sum[:])
}
