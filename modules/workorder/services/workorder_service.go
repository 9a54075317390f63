package services

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/jacksonlee411/propertyops/modules/workorder/domain/ports"
	"github.com/jacksonlee411/propertyops/modules/workorder/domain/types"
	"github.com/jacksonlee411/propertyops/pkg/attr"
	"github.com/jacksonlee411/propertyops/pkg/authz"
	"github.com/jacksonlee411/propertyops/pkg/httperr"
	"github.com/jacksonlee411/propertyops/pkg/pipeline"
	"github.com/jacksonlee411/propertyops/pkg/uuidv7"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
	maxTitleLength   = 200
	maxAssignees     = 20
)

var errOutsideTenantScope = errors.New("workorder: called outside a tenant scope")

// WorkOrderService runs work-order procedures. It must be called from a
// handler behind the pipeline's tenant gate.
type WorkOrderService struct {
	store  ports.WorkOrderStore
	target ports.FilterTarget
	now    func() time.Time
}

func NewWorkOrderService(store ports.WorkOrderStore) WorkOrderService {
	s := WorkOrderService{store: store, target: ports.FilterSQL, now: time.Now}
	if t, ok := store.(ports.FilterTargeter); ok {
		s.target = t.FilterTarget()
	}
	return s
}

func (s WorkOrderService) WithClock(now func() time.Time) WorkOrderService {
	s.now = now
	return s
}

func actorFrom(ctx context.Context) (ports.Actor, error) {
	p, ok := pipeline.PrincipalFrom(ctx)
	if !ok {
		return ports.Actor{}, errOutsideTenantScope
	}
	return ports.Actor{TenantID: p.ActiveTenant(), SubjectID: p.SubjectID()}, nil
}

func (s WorkOrderService) List(ctx context.Context, limit int) ([]types.WorkOrder, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		return nil, httperr.Newf(httperr.CodeBadRequest, "limit must be at most %d", MaxListLimit)
	}

	scope := ports.ListScope{Actor: actor, Limit: limit}
	switch s.target {
	case ports.FilterRows:
		scope.Rows, err = pipeline.RowFilter(ctx, authz.ActionList, authz.KindWorkOrder, nil)
	default:
		scope.Filter, err = pipeline.QueryFilter(ctx, authz.ActionList, authz.KindWorkOrder, nil)
	}
	if err != nil {
		return nil, err
	}
	return s.store.List(ctx, scope)
}

func normalizeCreate(in types.CreateInput) (types.CreateInput, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return in, httperr.NewBadRequest("title is required")
	}
	if len(in.Title) > maxTitleLength {
		return in, httperr.Newf(httperr.CodeBadRequest, "title must be at most %d bytes", maxTitleLength)
	}
	in.Priority = strings.ToLower(strings.TrimSpace(in.Priority))
	switch in.Priority {
	case "":
		in.Priority = types.PriorityNormal
	case types.PriorityLow, types.PriorityNormal, types.PriorityHigh:
	default:
		return in, httperr.NewBadRequest("priority must be low, normal or high")
	}
	var assignees []string
	for _, a := range in.Assignees {
		a = strings.TrimSpace(a)
		if a == "" || slices.Contains(assignees, a) {
			continue
		}
		assignees = append(assignees, a)
	}
	if len(assignees) > maxAssignees {
		return in, httperr.Newf(httperr.CodeBadRequest, "at most %d assignees", maxAssignees)
	}
	slices.Sort(assignees)
	in.Assignees = assignees
	return in, nil
}

// Create records a new open work order reported by the caller. It runs at
// most once per idempotency key.
func (s WorkOrderService) Create(ctx context.Context, in types.CreateInput) (types.WorkOrder, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return types.WorkOrder{}, err
	}
	in, err = normalizeCreate(in)
	if err != nil {
		return types.WorkOrder{}, err
	}
	draft := types.WorkOrder{
		TenantID:   actor.TenantID,
		Title:      in.Title,
		Priority:   in.Priority,
		Status:     types.StatusOpen,
		ReporterID: actor.SubjectID,
		Assignees:  in.Assignees,
	}
	if err := pipeline.Authorize(ctx, authz.ActionCreate, authz.KindWorkOrder, "", draft.Attributes()); err != nil {
		return types.WorkOrder{}, err
	}

	return pipeline.WithIdempotency(ctx, in, func(ctx context.Context) (types.WorkOrder, error) {
		id, err := uuidv7.NewString()
		if err != nil {
			return types.WorkOrder{}, err
		}
		wo := draft
		wo.ID = id
		wo.CreatedAt = s.now().UTC()
		return s.store.Create(ctx, actor, wo)
	})
}

// Close moves an open work order to closed. Authorization sees the stored
// work order's attributes.
func (s WorkOrderService) Close(ctx context.Context, id string) (types.WorkOrder, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return types.WorkOrder{}, err
	}
	id = strings.TrimSpace(id)
	if _, err := uuidv7.Parse(id); err != nil {
		return types.WorkOrder{}, httperr.NewBadRequest("invalid work order id")
	}
	current, err := s.store.Get(ctx, actor, id)
	if err != nil {
		return types.WorkOrder{}, storeError(err)
	}
	if err := pipeline.Authorize(ctx, authz.ActionClose, authz.KindWorkOrder, id, current.Attributes()); err != nil {
		return types.WorkOrder{}, err
	}

	return pipeline.WithIdempotency(ctx, map[string]string{"id": id}, func(ctx context.Context) (types.WorkOrder, error) {
		wo, err := s.store.Close(ctx, actor, id, s.now())
		return wo, storeError(err)
	})
}

func storeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ports.ErrNotFound):
		return httperr.New(httperr.CodeNotFound, "work order not found")
	case errors.Is(err, ports.ErrAlreadyClosed):
		return httperr.New(httperr.CodeBadRequest, "work order is already closed")
	}
	return err
}

// CanCreate reports whether the caller may report work orders in the active
// tenant. Unavailability reads as no.
func (s WorkOrderService) CanCreate(ctx context.Context) bool {
	p, ok := pipeline.PrincipalFrom(ctx)
	if !ok {
		return false
	}
	return pipeline.Can(ctx, authz.ActionCreate, authz.KindWorkOrder, "", attr.Map{
		"tenant_id":   attr.String(p.ActiveTenant()),
		"status":      attr.String(types.StatusOpen),
		"reporter_id": attr.String(p.SubjectID()),
	})
}
