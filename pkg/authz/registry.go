package authz

// Tenant roles, highest precedence first.
const (
	RoleOwner    = "owner"
	RoleAdmin    = "admin"
	RoleManager  = "manager"
	RoleStaff    = "staff"
	RoleMember   = "member"
	RoleResident = "resident"
	RoleViewer   = "viewer"
)

// RolePlatformStaff is granted in the active tenant to platform staff who are
// not members of it.
const RolePlatformStaff = "platform-staff"

const RoleAnonymous = "anonymous"

const (
	ActionRead   = "read"
	ActionList   = "list"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionClose  = "close"
	ActionAdmin  = "admin"
)

const DomainGlobal = "global"

const (
	KindWorkOrder = "work_order"
	KindViolation = "violation"
	KindTenant    = "tenant"
)
