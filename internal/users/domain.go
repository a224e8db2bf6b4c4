package users

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// ErrAlreadyAssigned is returned by the store when an active edge exists.
var ErrAlreadyAssigned = fmt.Errorf("users: role already assigned: %w", httpx.ErrDuplicate)

// Assignment is one user to role edge inside an organization. Revoked edges
// keep their row; assigning again creates a new edge.
type Assignment struct {
	ID             uuid.UUID  `json:"id"`
	UserID         string     `json:"userId"`
	RoleID         string     `json:"roleId"`
	OrganizationID string     `json:"organizationId"`
	AssignedBy     string     `json:"assignedBy,omitempty"`
	AssignedAt     time.Time  `json:"assignedAt"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
}

// Active reports whether the edge has not been revoked.
func (a Assignment) Active() bool {
	return a.RevokedAt == nil
}

// Binding converts the edge into the policy binding it stands for.
func (a Assignment) Binding() rbac.Binding {
	return rbac.Binding{UserID: a.UserID, RoleID: a.RoleID, OrganizationID: a.OrganizationID}
}

// AssignmentInput names one edge in API payloads.
type AssignmentInput struct {
	UserID         string `json:"userId" validate:"required,max=64"`
	RoleID         string `json:"roleId" validate:"required,max=64"`
	OrganizationID string `json:"organizationId" validate:"max=64"`
}
