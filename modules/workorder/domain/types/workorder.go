package types

import (
	"time"

	"github.com/jacksonlee411/propertyops/pkg/attr"
)

const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

type WorkOrder struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Title      string     `json:"title"`
	Priority   string     `json:"priority"`
	Status     string     `json:"status"`
	ReporterID string     `json:"reporter_id"`
	Assignees  []string   `json:"assignees"`
	CreatedAt  time.Time  `json:"created_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

// Attributes are the logical attributes policies see for a work order.
func (w WorkOrder) Attributes() attr.Map {
	assignees := w.Assignees
	if assignees == nil {
		assignees = []string{}
	}
	return attr.Map{
		"tenant_id":   attr.String(w.TenantID),
		"status":      attr.String(w.Status),
		"priority":    attr.String(w.Priority),
		"reporter_id": attr.String(w.ReporterID),
		"assignees":   attr.StringList(assignees...),
	}
}

type CreateInput struct {
	Title     string   `json:"title"`
	Priority  string   `json:"priority"`
	Assignees []string `json:"assignees"`
}
