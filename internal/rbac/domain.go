package rbac

import "strings"

// BuiltinAdminRole is the reserved role id that bypasses every check and
// can never be edited or deleted.
const BuiltinAdminRole = "admin"

// Subject kinds returned by ParseSubject.
const (
	SubjectUser = "user"
	SubjectRole = "role"
)

const (
	subjectUserPrefix = SubjectUser + ":"
	subjectRolePrefix = SubjectRole + ":"
)

// SessionClaims is the verified identity attached to a request.
type SessionClaims struct {
	UID         string        `json:"uid"`
	Email       string        `json:"email,omitempty"`
	OrgID       string        `json:"orgId,omitempty"`
	RoleID      string        `json:"roleId,omitempty"`
	Permissions PermissionMap `json:"permissions,omitempty"`
}

// HasSnapshot reports whether the claims carry an already resolved map.
func (c *SessionClaims) HasSnapshot() bool {
	return c != nil && c.Permissions != nil
}

// Subject returns the user subject for the claims.
func (c *SessionClaims) Subject() string {
	if c == nil {
		return ""
	}
	return UserSubject(c.UID)
}

// Scope narrows cache invalidation. The zero value means everything.
type Scope struct {
	OrganizationID string
	Subject        string
}

// IsGlobal reports whether the scope covers every entry.
func (s Scope) IsGlobal() bool {
	return s.OrganizationID == "" && s.Subject == ""
}

// Binding is a single user to role edge inside an organization.
type Binding struct {
	UserID         string
	RoleID         string
	OrganizationID string
}

// UserSubject builds the policy subject for a user id.
func UserSubject(userID string) string {
	return subjectUserPrefix + userID
}

// RoleSubject builds the policy subject for a role id.
func RoleSubject(roleID string) string {
	return subjectRolePrefix + roleID
}

// ParseSubject splits a subject into its kind ("user" or "role") and id.
func ParseSubject(subject string) (kind, id string, ok bool) {
	switch {
	case strings.HasPrefix(subject, subjectUserPrefix):
		id = strings.TrimPrefix(subject, subjectUserPrefix)
		return SubjectUser, id, id != ""
	case strings.HasPrefix(subject, subjectRolePrefix):
		id = strings.TrimPrefix(subject, subjectRolePrefix)
		return SubjectRole, id, id != ""
	default:
		return "", "", false
	}
}
