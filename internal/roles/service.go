package roles

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

// RepositoryPort defines data access methods for roles.
type RepositoryPort interface {
	ListRoles(ctx context.Context, orgID string) ([]Role, error)
	GetRole(ctx context.Context, orgID, id string) (*Role, error)
	CreateRole(ctx context.Context, role Role) (*Role, error)
	UpdateRole(ctx context.Context, role Role) (*Role, error)
	DeleteRole(ctx context.Context, orgID, id string) error
}

// Invalidator drops cached decisions after a role changes.
type Invalidator interface {
	InvalidateCache(ctx context.Context, scope rbac.Scope) error
}

// Service handles role business logic.
type Service struct {
	repo        RepositoryPort
	invalidator Invalidator
	audit       shared.AuditRecorder
	locks       *shared.KeyedMutex
	validate    *validator.Validate
	logger      *slog.Logger
}

// NewService builds Service instance. audit may be nil.
func NewService(repo RepositoryPort, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		audit:    audit,
		locks:    shared.NewKeyedMutex(),
		validate: validator.New(),
		logger:   logger,
	}
}

// UseInvalidator wires the decision cache owner. The policy engine depends on
// this service, so the link is set after both are built.
func (s *Service) UseInvalidator(inv Invalidator) {
	s.invalidator = inv
}

// ListRoles returns the roles visible inside orgID.
func (s *Service) ListRoles(ctx context.Context, orgID string) ([]Role, error) {
	return s.repo.ListRoles(ctx, orgID)
}

// GetRole fetches one role visible inside orgID.
func (s *Service) GetRole(ctx context.Context, orgID, id string) (*Role, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, rbac.ErrRoleNotFound
	}
	return s.repo.GetRole(ctx, orgID, id)
}

// RolePermissions implements rbac.PermissionSource.
func (s *Service) RolePermissions(ctx context.Context, orgID, roleID string) (rbac.PermissionMap, error) {
	role, err := s.GetRole(ctx, orgID, roleID)
	if err != nil {
		return nil, err
	}
	if role.Permissions == nil {
		return rbac.PermissionMap{}, nil
	}
	return role.Permissions, nil
}

// CreateRole validates and stores a new role.
func (s *Service) CreateRole(ctx context.Context, actorID string, input CreateRoleInput) (*Role, error) {
	input.ID = strings.TrimSpace(input.ID)
	input.Name = strings.TrimSpace(input.Name)
	if err := httpx.Validate(s.validate, input); err != nil {
		return nil, err
	}
	if input.ID == rbac.BuiltinAdminRole {
		return nil, rbac.ErrImmutableRole
	}
	if input.ID == "" {
		input.ID = uuid.NewString()
	}
	if input.Permissions == nil {
		input.Permissions = rbac.PermissionMap{}
	}
	for key := range input.Permissions {
		if err := key.Validate(); err != nil {
			return nil, err
		}
	}

	role, err := s.repo.CreateRole(ctx, Role{
		ID:             input.ID,
		Name:           input.Name,
		OrganizationID: input.OrganizationID,
		Description:    strings.TrimSpace(input.Description),
		Permissions:    input.Permissions,
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, actorID, "role.create", role)
	return role, nil
}

// UpdateRole replaces name, description and permissions of a role owned by orgID.
// The store is written before cached decisions for the organization are dropped.
func (s *Service) UpdateRole(ctx context.Context, actorID, orgID, id string, input UpdateRoleInput) (*Role, error) {
	id = strings.TrimSpace(id)
	if id == rbac.BuiltinAdminRole {
		return nil, rbac.ErrImmutableRole
	}
	input.Name = strings.TrimSpace(input.Name)
	if err := httpx.Validate(s.validate, input); err != nil {
		return nil, err
	}
	if input.Permissions == nil {
		input.Permissions = rbac.PermissionMap{}
	}
	for key := range input.Permissions {
		if err := key.Validate(); err != nil {
			return nil, err
		}
	}

	unlock := s.locks.Lock(shared.SubjectLockKey(orgID, rbac.RoleSubject(id)))
	defer unlock()

	current, err := s.repo.GetRole(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if current.IsImmutable() {
		return nil, rbac.ErrImmutableRole
	}
	if current.OrganizationID != orgID {
		return nil, rbac.ErrPermissionDenied
	}

	updated, err := s.repo.UpdateRole(ctx, Role{
		ID:             id,
		Name:           input.Name,
		OrganizationID: orgID,
		Description:    strings.TrimSpace(input.Description),
		Permissions:    input.Permissions,
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, orgID)
	s.record(ctx, actorID, "role.update", updated)
	return updated, nil
}

// DeleteRole removes a role owned by orgID.
func (s *Service) DeleteRole(ctx context.Context, actorID, orgID, id string) error {
	id = strings.TrimSpace(id)
	if id == rbac.BuiltinAdminRole {
		return rbac.ErrImmutableRole
	}

	unlock := s.locks.Lock(shared.SubjectLockKey(orgID, rbac.RoleSubject(id)))
	defer unlock()

	current, err := s.repo.GetRole(ctx, orgID, id)
	if err != nil {
		return err
	}
	if current.IsImmutable() {
		return rbac.ErrImmutableRole
	}
	if current.OrganizationID != orgID {
		return rbac.ErrPermissionDenied
	}
	if err := s.repo.DeleteRole(ctx, orgID, id); err != nil {
		return err
	}
	s.invalidate(ctx, orgID)
	s.record(ctx, actorID, "role.delete", current)
	return nil
}

// EnsureBuiltins creates the built-in admin role when it is missing.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	_, err := s.repo.GetRole(ctx, "", rbac.BuiltinAdminRole)
	if err == nil {
		return nil
	}
	if !errors.Is(err, rbac.ErrRoleNotFound) {
		return err
	}
	_, err = s.repo.CreateRole(ctx, AdminRole())
	if errors.Is(err, ErrDuplicate) {
		return nil
	}
	return err
}

func (s *Service) invalidate(ctx context.Context, orgID string) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.InvalidateCache(ctx, rbac.Scope{OrganizationID: orgID}); err != nil {
		s.logger.Warn("invalidate role decisions", slog.String("org_id", orgID), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, actorID, action string, role *Role) {
	if s.audit == nil || role == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:        actorID,
		OrganizationID: role.OrganizationID,
		Action:         action,
		Entity:         "role",
		EntityID:       role.ID,
		Meta:           map[string]any{"name": role.Name, "permissions": role.Permissions.AllowedKeys()},
	})
	if err != nil {
		s.logger.Warn("audit role", slog.String("action", action), slog.Any("error", err))
	}
}
