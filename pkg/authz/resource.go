package authz

import (
	"strings"

	"github.com/jacksonlee411/propertyops/pkg/attr"
)

// Resource describes the target of a point decision. Kind is an open
// namespace; no existence check is made.
type Resource struct {
	Kind        string   `json:"kind"`
	ID          string   `json:"id"`
	TenantID    string   `json:"tenant_id"`
	TenantAlias string   `json:"tenant_alias,omitempty"`
	Attributes  attr.Map `json:"attributes"`
}

type ResourceOption func(*Resource)

func WithAttributes(attrs attr.Map) ResourceOption {
	return func(r *Resource) {
		for k, v := range attrs {
			if v.IsValid() {
				r.Attributes[k] = v
			}
		}
	}
}

func WithTenantAlias(alias string) ResourceOption {
	return func(r *Resource) { r.TenantAlias = strings.TrimSpace(alias) }
}

func NewResource(kind, id, tenantID string, opts ...ResourceOption) Resource {
	r := Resource{
		Kind:       strings.TrimSpace(kind),
		ID:         strings.TrimSpace(id),
		TenantID:   strings.TrimSpace(tenantID),
		Attributes: attr.Map{},
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}
