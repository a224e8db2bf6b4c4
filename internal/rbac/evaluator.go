package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// PermissionSource loads the permission map of a role within an organization.
// Implementations return ErrRoleNotFound for unknown roles.
type PermissionSource interface {
	RolePermissions(ctx context.Context, orgID, roleID string) (PermissionMap, error)
}

// EvaluatorConfig tunes super-admin detection.
type EvaluatorConfig struct {
	SuperAdminRole  string
	SuperAdminUsers []string
}

// Evaluator decides whether claims grant a module/submodule/action.
type Evaluator struct {
	source     PermissionSource
	superRole  string
	superUsers map[string]struct{}
	logger     *slog.Logger
}

// NewEvaluator constructs an Evaluator backed by the given source.
func NewEvaluator(source PermissionSource, cfg EvaluatorConfig, logger *slog.Logger) *Evaluator {
	superRole := strings.TrimSpace(cfg.SuperAdminRole)
	if superRole == "" {
		superRole = BuiltinAdminRole
	}
	users := make(map[string]struct{}, len(cfg.SuperAdminUsers))
	for _, uid := range cfg.SuperAdminUsers {
		if uid = strings.TrimSpace(uid); uid != "" {
			users[uid] = struct{}{}
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{source: source, superRole: superRole, superUsers: users, logger: logger}
}

// IsSuperAdminRole reports whether roleID bypasses evaluation.
func (e *Evaluator) IsSuperAdminRole(roleID string) bool {
	return roleID != "" && (roleID == BuiltinAdminRole || roleID == e.superRole)
}

// IsSuperAdmin reports whether the claims bypass evaluation.
func (e *Evaluator) IsSuperAdmin(claims *SessionClaims) bool {
	if claims == nil {
		return false
	}
	if e.IsSuperAdminRole(claims.RoleID) {
		return true
	}
	_, ok := e.superUsers[claims.UID]
	return ok && claims.UID != ""
}

// ResolvePermissions returns the snapshot carried by the claims or loads the
// role document from the source.
func (e *Evaluator) ResolvePermissions(ctx context.Context, claims *SessionClaims) (PermissionMap, error) {
	if claims == nil || strings.TrimSpace(claims.RoleID) == "" {
		return nil, ErrUnauthorized
	}
	if claims.HasSnapshot() {
		return claims.Permissions, nil
	}
	if claims.OrgID == "" && !e.IsSuperAdmin(claims) {
		return nil, ErrTenantRequired
	}
	perms, err := e.source.RolePermissions(ctx, claims.OrgID, claims.RoleID)
	if err != nil {
		if errors.Is(err, ErrRoleNotFound) && e.IsSuperAdminRole(claims.RoleID) {
			return PermissionMap{}, nil
		}
		return nil, err
	}
	return perms, nil
}

// AssertPermission returns nil when allowed or a typed error describing why not.
func (e *Evaluator) AssertPermission(ctx context.Context, claims *SessionClaims, module, submodule, action string) error {
	if claims == nil {
		return ErrUnauthorized
	}
	if e.IsSuperAdmin(claims) {
		return nil
	}
	if strings.TrimSpace(claims.RoleID) == "" {
		return ErrUnauthorized
	}
	if claims.OrgID == "" {
		return ErrTenantRequired
	}
	perms, err := e.ResolvePermissions(ctx, claims)
	if err != nil {
		return err
	}
	if perms.Allows(module, submodule, action) {
		return nil
	}
	return fmt.Errorf("%s: %w", Key{Module: module, Submodule: submodule, Action: action}, ErrPermissionDenied)
}

// CheckPermission is the boolean form of AssertPermission. It never fails.
func (e *Evaluator) CheckPermission(ctx context.Context, claims *SessionClaims, module, submodule, action string) bool {
	err := e.AssertPermission(ctx, claims, module, submodule, action)
	if err != nil && !IsDenial(err) {
		e.logger.Warn("rbac check failed", slog.String("role_id", claims.RoleID), slog.Any("error", err))
	}
	return err == nil
}

// RoleAllows evaluates a role directly, outside of a request.
func (e *Evaluator) RoleAllows(ctx context.Context, orgID, roleID, module, submodule, action string) (bool, error) {
	if e.IsSuperAdminRole(roleID) {
		return true, nil
	}
	if orgID == "" {
		return false, ErrTenantRequired
	}
	perms, err := e.source.RolePermissions(ctx, orgID, roleID)
	if err != nil {
		return false, err
	}
	return perms.Allows(module, submodule, action), nil
}

// TargetOrganization picks the organization a request operates on. Only super
// admins may address an organization other than their own or none at all.
func (e *Evaluator) TargetOrganization(claims *SessionClaims, requested string) (string, error) {
	if claims == nil {
		return "", ErrUnauthorized
	}
	requested = strings.TrimSpace(requested)
	if e.IsSuperAdmin(claims) {
		if requested != "" {
			return requested, nil
		}
		return claims.OrgID, nil
	}
	if claims.OrgID == "" {
		return "", ErrTenantRequired
	}
	if requested != "" && requested != claims.OrgID {
		return "", fmt.Errorf("organization %s: %w", requested, ErrPermissionDenied)
	}
	return claims.OrgID, nil
}
