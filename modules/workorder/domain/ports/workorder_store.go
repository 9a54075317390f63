package ports

import (
	"context"
	"errors"
	"time"

	"github.com/jacksonlee411/propertyops/modules/workorder/domain/types"
	"github.com/jacksonlee411/propertyops/pkg/queryplan"
)

var (
	ErrNotFound      = errors.New("workorder: not found")
	ErrAlreadyClosed = errors.New("workorder: already closed")
)

// Actor is the tenant and subject a store call runs on behalf of.
type Actor struct {
	TenantID  string
	SubjectID string
}

// ListScope carries the compiled list policy in both forms; SQL stores use
// Filter and in-memory stores use Rows. A nil Rows matches nothing.
type ListScope struct {
	Actor
	Filter queryplan.Filter
	Rows   *queryplan.RowFilter
	Limit  int
}

type WorkOrderStore interface {
	List(ctx context.Context, scope ListScope) ([]types.WorkOrder, error)
	Get(ctx context.Context, actor Actor, id string) (types.WorkOrder, error)
	Create(ctx context.Context, actor Actor, wo types.WorkOrder) (types.WorkOrder, error)
	Close(ctx context.Context, actor Actor, id string, closedAt time.Time) (types.WorkOrder, error)
}

// FilterTarget tells the service which compiled form of the list policy a
// store consumes.
type FilterTarget uint8

const (
	FilterSQL FilterTarget = iota
	FilterRows
)

type FilterTargeter interface {
	FilterTarget() FilterTarget
}
