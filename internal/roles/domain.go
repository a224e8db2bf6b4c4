package roles

import (
	"time"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// Role is a named permission document, optionally scoped to one organization.
// Roles without an organization are shared by every tenant.
type Role struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	OrganizationID string             `json:"organizationId,omitempty"`
	Description    string             `json:"description"`
	Permissions    rbac.PermissionMap `json:"permissions"`
	BuiltIn        bool               `json:"builtIn"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// IsImmutable reports whether the role document may never be changed.
func (r Role) IsImmutable() bool {
	return r.ID == rbac.BuiltinAdminRole || r.BuiltIn
}

// VisibleTo reports whether the role can be used inside orgID.
func (r Role) VisibleTo(orgID string) bool {
	return r.OrganizationID == "" || r.OrganizationID == orgID
}

// CreateRoleInput carries the fields accepted when creating a role.
type CreateRoleInput struct {
	ID             string             `json:"id" validate:"omitempty,max=64,excludesall=: "`
	Name           string             `json:"name" validate:"required,max=120"`
	OrganizationID string             `json:"organizationId" validate:"max=64"`
	Description    string             `json:"description" validate:"max=500"`
	Permissions    rbac.PermissionMap `json:"permissions"`
}

// UpdateRoleInput carries the mutable fields of a role.
type UpdateRoleInput struct {
	Name        string             `json:"name" validate:"required,max=120"`
	Description string             `json:"description" validate:"max=500"`
	Permissions rbac.PermissionMap `json:"permissions"`
}

// AdminRole returns the built-in administrator role document.
func AdminRole() Role {
	return Role{
		ID:          rbac.BuiltinAdminRole,
		Name:        "Administrator",
		Description: "Built-in role with unrestricted access",
		Permissions: rbac.PermissionMap{},
		BuiltIn:     true,
	}
}
