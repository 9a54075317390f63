package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jacksonlee411/propertyops/modules/workorder/domain/ports"
	"github.com/jacksonlee411/propertyops/modules/workorder/domain/types"
	"github.com/jacksonlee411/propertyops/pkg/queryplan"
	"github.com/jacksonlee411/propertyops/pkg/sessionscope"
)

type workOrderModel struct {
	ID         string     `gorm:"column:id;primaryKey"`
	TenantID   string     `gorm:"column:tenant_id"`
	Title      string     `gorm:"column:title"`
	Priority   string     `gorm:"column:priority"`
	Status     string     `gorm:"column:status"`
	ReporterID string     `gorm:"column:reporter_id"`
	CreatedAt  time.Time  `gorm:"column:created_at"`
	ClosedAt   *time.Time `gorm:"column:closed_at"`
}

func (workOrderModel) TableName() string { return "work_orders" }

type assigneeModel struct {
	WorkOrderID string `gorm:"column:work_order_id;primaryKey"`
	AssigneeID  string `gorm:"column:assignee_id;primaryKey"`
	TenantID    string `gorm:"column:tenant_id"`
}

func (assigneeModel) TableName() string { return "work_order_assignees" }

func toModel(wo types.WorkOrder) workOrderModel {
	return workOrderModel{
		ID:         wo.ID,
		TenantID:   wo.TenantID,
		Title:      wo.Title,
		Priority:   wo.Priority,
		Status:     wo.Status,
		ReporterID: wo.ReporterID,
		CreatedAt:  wo.CreatedAt.UTC(),
		ClosedAt:   wo.ClosedAt,
	}
}

func (m workOrderModel) workOrder(assignees []string) types.WorkOrder {
	if assignees == nil {
		assignees = []string{}
	}
	wo := types.WorkOrder{
		ID:         m.ID,
		TenantID:   m.TenantID,
		Title:      m.Title,
		Priority:   m.Priority,
		Status:     m.Status,
		ReporterID: m.ReporterID,
		Assignees:  assignees,
		CreatedAt:  m.CreatedAt.UTC(),
	}
	if m.ClosedAt != nil {
		t := m.ClosedAt.UTC()
		wo.ClosedAt = &t
	}
	return wo
}

// GormStore keeps work orders in PostgreSQL. Every call runs in a
// transaction carrying the actor's tenant and user context for row-level
// security, on the request's scoped connection when ctx carries one. List
// queries are narrowed by the compiled policy filter.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) FilterTarget() ports.FilterTarget { return ports.FilterSQL }

func (s *GormStore) List(ctx context.Context, scope ports.ListScope) ([]types.WorkOrder, error) {
	if scope.Filter.Kind == queryplan.MatchNone {
		return []types.WorkOrder{}, nil
	}
	var out []types.WorkOrder
	err := sessionscope.InTx(ctx, s.db, scope.TenantID, scope.SubjectID, func(tx *gorm.DB) error {
		var rows []workOrderModel
		q := scope.Filter.Apply(tx.Model(&workOrderModel{})).Order("created_at DESC, id DESC")
		if scope.Limit > 0 {
			q = q.Limit(scope.Limit)
		}
		if err := q.Find(&rows).Error; err != nil {
			return err
		}
		assignees, err := loadAssignees(tx, scope.TenantID, rows)
		if err != nil {
			return err
		}
		out = make([]types.WorkOrder, 0, len(rows))
		for _, m := range rows {
			out = append(out, m.workOrder(assignees[m.ID]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("workorder: list: %w", err)
	}
	return out, nil
}

func loadAssignees(tx *gorm.DB, tenantID string, rows []workOrderModel) (map[string][]string, error) {
	out := map[string][]string{}
	if len(rows) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(rows))
	for _, m := range rows {
		ids = append(ids, m.ID)
	}
	var links []assigneeModel
	if err := tx.Where("tenant_id = ? AND work_order_id IN ?", tenantID, ids).
		Order("work_order_id, assignee_id").
		Find(&links).Error; err != nil {
		return nil, err
	}
	for _, l := range links {
		out[l.WorkOrderID] = append(out[l.WorkOrderID], l.AssigneeID)
	}
	return out, nil
}

func (s *GormStore) Get(ctx context.Context, actor ports.Actor, id string) (types.WorkOrder, error) {
	var wo types.WorkOrder
	err := sessionscope.InTx(ctx, s.db, actor.TenantID, actor.SubjectID, func(tx *gorm.DB) error {
		var err error
		wo, err = get(tx, actor.TenantID, id)
		return err
	})
	return wo, err
}

func get(tx *gorm.DB, tenantID, id string) (types.WorkOrder, error) {
	var m workOrderModel
	if err := tx.Where("tenant_id = ? AND id = ?", tenantID, id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.WorkOrder{}, ports.ErrNotFound
		}
		return types.WorkOrder{}, fmt.Errorf("workorder: get: %w", err)
	}
	assignees, err := loadAssignees(tx, tenantID, []workOrderModel{m})
	if err != nil {
		return types.WorkOrder{}, fmt.Errorf("workorder: get: %w", err)
	}
	return m.workOrder(assignees[m.ID]), nil
}

func (s *GormStore) Create(ctx context.Context, actor ports.Actor, wo types.WorkOrder) (types.WorkOrder, error) {
	m := toModel(wo)
	err := sessionscope.InTx(ctx, s.db, actor.TenantID, actor.SubjectID, func(tx *gorm.DB) error {
		if err := tx.Create(&m).Error; err != nil {
			return err
		}
		if len(wo.Assignees) == 0 {
			return nil
		}
		links := make([]assigneeModel, 0, len(wo.Assignees))
		for _, a := range wo.Assignees {
			links = append(links, assigneeModel{WorkOrderID: wo.ID, AssigneeID: a, TenantID: wo.TenantID})
		}
		return tx.Create(&links).Error
	})
	if err != nil {
		return types.WorkOrder{}, fmt.Errorf("workorder: create: %w", err)
	}
	return m.workOrder(wo.Assignees), nil
}

func (s *GormStore) Close(ctx context.Context, actor ports.Actor, id string, closedAt time.Time) (types.WorkOrder, error) {
	var wo types.WorkOrder
	err := sessionscope.InTx(ctx, s.db, actor.TenantID, actor.SubjectID, func(tx *gorm.DB) error {
		res := tx.Model(&workOrderModel{}).
			Where("tenant_id = ? AND id = ? AND status = ?", actor.TenantID, id, types.StatusOpen).
			Updates(map[string]any{"status": types.StatusClosed, "closed_at": closedAt.UTC()})
		if res.Error != nil {
			return fmt.Errorf("workorder: close: %w", res.Error)
		}
		current, err := get(tx, actor.TenantID, id)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return ports.ErrAlreadyClosed
		}
		wo = current
		return nil
	})
	return wo, err
}
