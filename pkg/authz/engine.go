package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/jacksonlee411/propertyops/pkg/queryplan"
)

var (
	ErrDenied      = errors.New("authz: denied")
	ErrUnavailable = errors.New("authz: policy engine unavailable")
)

// Decision is the answer to one point query. Reason is for logs and audit
// only and never reaches the caller.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

type DecideRequest struct {
	Principal Principal `json:"principal"`
	Resource  Resource  `json:"resource"`
	Action    string    `json:"action"`
}

type PlanRequest struct {
	Principal   Principal `json:"principal"`
	Kind        string    `json:"resource_kind"`
	Action      string    `json:"action"`
	TenantAlias string    `json:"tenant_alias,omitempty"`
}

// Engine is a policy decision point.
type Engine interface {
	Decide(ctx context.Context, req DecideRequest) (Decision, error)
	Plan(ctx context.Context, req PlanRequest) (queryplan.Plan, error)
}

type DeniedError struct {
	Action string
	Kind   string
	ID     string
	Reason string
}

func (e *DeniedError) Error() string {
	target := e.Kind
	if e.ID != "" {
		target += "/" + e.ID
	}
	return fmt.Sprintf("authz: denied: %s on %s", e.Action, target)
}

func (e *DeniedError) Is(target error) bool { return target == ErrDenied }

type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return "authz: policy engine unavailable: " + e.Op
	}
	return fmt.Sprintf("authz: policy engine unavailable: %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }
