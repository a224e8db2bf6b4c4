package auth

import (
	"time"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// User represents an authenticated user account together with the role it
// currently holds in its home organization.
type User struct {
	ID             string
	Email          string
	PasswordHash   string
	IsActive       bool
	OrganizationID string
	RoleID         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Claims converts the account into session claims without a snapshot.
func (u *User) Claims() *rbac.SessionClaims {
	return &rbac.SessionClaims{
		UID:    u.ID,
		Email:  u.Email,
		OrgID:  u.OrganizationID,
		RoleID: u.RoleID,
	}
}

// LoginRequest is the JSON body accepted by POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

// LoginResponse is returned after a successful login.
type LoginResponse struct {
	Token     string              `json:"token"`
	ExpiresAt time.Time           `json:"expiresAt"`
	CSRFToken string              `json:"csrfToken,omitempty"`
	Claims    *rbac.SessionClaims `json:"claims"`
}
