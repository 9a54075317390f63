package persistence

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jacksonlee411/propertyops/modules/workorder/domain/ports"
	"github.com/jacksonlee411/propertyops/modules/workorder/domain/types"
	"github.com/jacksonlee411/propertyops/pkg/queryplan"
)

// MemoryStore keeps work orders per tenant in process. List applies the
// policy as a row filter over the actor's tenant only.
type MemoryStore struct {
	mu       sync.RWMutex
	byTenant map[string]map[string]types.WorkOrder
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTenant: map[string]map[string]types.WorkOrder{}}
}

func (s *MemoryStore) FilterTarget() ports.FilterTarget { return ports.FilterRows }

func (s *MemoryStore) List(_ context.Context, scope ports.ListScope) ([]types.WorkOrder, error) {
	out := []types.WorkOrder{}
	if scope.Rows == nil || scope.Rows.Kind() == queryplan.MatchNone {
		return out, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, wo := range s.byTenant[scope.TenantID] {
		ok, err := scope.Rows.Match(queryplan.Row(wo.Attributes()))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, cloneWorkOrder(wo))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if scope.Limit > 0 && len(out) > scope.Limit {
		out = out[:scope.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, actor ports.Actor, id string) (types.WorkOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wo, ok := s.byTenant[actor.TenantID][id]
	if !ok {
		return types.WorkOrder{}, ports.ErrNotFound
	}
	return cloneWorkOrder(wo), nil
}

func (s *MemoryStore) Create(_ context.Context, actor ports.Actor, wo types.WorkOrder) (types.WorkOrder, error) {
	wo = cloneWorkOrder(wo)
	wo.TenantID = actor.TenantID
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byTenant[actor.TenantID] == nil {
		s.byTenant[actor.TenantID] = map[string]types.WorkOrder{}
	}
	s.byTenant[actor.TenantID][wo.ID] = wo
	return cloneWorkOrder(wo), nil
}

func (s *MemoryStore) Close(_ context.Context, actor ports.Actor, id string, closedAt time.Time) (types.WorkOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wo, ok := s.byTenant[actor.TenantID][id]
	if !ok {
		return types.WorkOrder{}, ports.ErrNotFound
	}
	if wo.Status != types.StatusOpen {
		return types.WorkOrder{}, ports.ErrAlreadyClosed
	}
	t := closedAt.UTC()
	wo.Status = types.StatusClosed
	wo.ClosedAt = &t
	s.byTenant[actor.TenantID][id] = wo
	return cloneWorkOrder(wo), nil
}

func cloneWorkOrder(wo types.WorkOrder) types.WorkOrder {
	wo.Assignees = slices.Clone(wo.Assignees)
	if wo.Assignees == nil {
		wo.Assignees = []string{}
	}
	if wo.ClosedAt != nil {
		t := *wo.ClosedAt
		wo.ClosedAt = &t
	}
	return wo
}
