package users

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/roles"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

// RepositoryPort defines data access methods for assignments.
type RepositoryPort interface {
	ActiveAssignment(ctx context.Context, userID, roleID, orgID string) (*Assignment, error)
	Insert(ctx context.Context, a Assignment) (*Assignment, error)
	Revoke(ctx context.Context, userID, roleID, orgID string, at time.Time) (*Assignment, error)
	ListActive(ctx context.Context, userID, orgID string) ([]Assignment, error)
	ListByOrganization(ctx context.Context, orgID string) ([]Assignment, error)
}

// RoleReader resolves role documents.
type RoleReader interface {
	GetRole(ctx context.Context, orgID, id string) (*roles.Role, error)
}

// PolicyBinder mirrors assignment edges into the policy engine.
type PolicyBinder interface {
	BindRole(ctx context.Context, b rbac.Binding) error
	UnbindRole(ctx context.Context, b rbac.Binding) error
	InvalidateCache(ctx context.Context, scope rbac.Scope) error
}

// Service manages user to role assignments.
type Service struct {
	repo     RepositoryPort
	roles    RoleReader
	binder   PolicyBinder
	audit    shared.AuditRecorder
	locks    *shared.KeyedMutex
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds Service instance. audit may be nil.
func NewService(repo RepositoryPort, roles RoleReader, binder PolicyBinder, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		roles:    roles,
		binder:   binder,
		audit:    audit,
		locks:    shared.NewKeyedMutex(),
		validate: validator.New(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) normalize(input AssignmentInput) (AssignmentInput, error) {
	input.UserID = strings.TrimSpace(input.UserID)
	input.RoleID = strings.TrimSpace(input.RoleID)
	input.OrganizationID = strings.TrimSpace(input.OrganizationID)
	if err := httpx.Validate(s.validate, input); err != nil {
		return input, err
	}
	if input.OrganizationID == "" {
		return input, rbac.ErrTenantRequired
	}
	return input, nil
}

// AssignUserRole creates the edge. It reports false when the edge was already active.
func (s *Service) AssignUserRole(ctx context.Context, actorID string, input AssignmentInput) (bool, error) {
	input, err := s.normalize(input)
	if err != nil {
		return false, err
	}
	if _, err := s.roles.GetRole(ctx, input.OrganizationID, input.RoleID); err != nil {
		return false, err
	}

	subject := rbac.UserSubject(input.UserID)
	unlock := s.locks.Lock(shared.SubjectLockKey(input.OrganizationID, subject))
	defer unlock()

	existing, err := s.repo.ActiveAssignment(ctx, input.UserID, input.RoleID, input.OrganizationID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	created, err := s.repo.Insert(ctx, Assignment{
		ID:             uuid.New(),
		UserID:         input.UserID,
		RoleID:         input.RoleID,
		OrganizationID: input.OrganizationID,
		AssignedBy:     actorID,
		AssignedAt:     s.now(),
	})
	if errors.Is(err, ErrAlreadyAssigned) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.sync(ctx, created.Binding(), true)
	s.record(ctx, actorID, "user_role.assign", created)
	return true, nil
}

// RevokeUserRole closes the edge. It reports false when nothing was active.
func (s *Service) RevokeUserRole(ctx context.Context, actorID string, input AssignmentInput) (bool, error) {
	input, err := s.normalize(input)
	if err != nil {
		return false, err
	}

	subject := rbac.UserSubject(input.UserID)
	unlock := s.locks.Lock(shared.SubjectLockKey(input.OrganizationID, subject))
	defer unlock()

	revoked, err := s.repo.Revoke(ctx, input.UserID, input.RoleID, input.OrganizationID, s.now())
	if err != nil {
		return false, err
	}
	if revoked == nil {
		return false, nil
	}

	s.sync(ctx, revoked.Binding(), false)
	s.record(ctx, actorID, "user_role.revoke", revoked)
	return true, nil
}

// GetUserRoles returns the roles actively assigned to userID inside orgID.
func (s *Service) GetUserRoles(ctx context.Context, userID, orgID string) ([]roles.Role, error) {
	if strings.TrimSpace(orgID) == "" {
		return nil, rbac.ErrTenantRequired
	}
	list, err := s.repo.ListActive(ctx, strings.TrimSpace(userID), orgID)
	if err != nil {
		return nil, err
	}
	out := make([]roles.Role, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, a := range list {
		if _, ok := seen[a.RoleID]; ok {
			continue
		}
		seen[a.RoleID] = struct{}{}
		role, err := s.roles.GetRole(ctx, orgID, a.RoleID)
		if errors.Is(err, rbac.ErrRoleNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *role)
	}
	return out, nil
}

// GetUserPermissions returns the sorted union of keys granted by every
// assigned role.
func (s *Service) GetUserPermissions(ctx context.Context, userID, orgID string) ([]string, error) {
	assigned, err := s.GetUserRoles(ctx, userID, orgID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, role := range assigned {
		for _, key := range role.Permissions.AllowedKeys() {
			set[key] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

// ListAssignments returns the live edges inside orgID.
func (s *Service) ListAssignments(ctx context.Context, orgID string) ([]Assignment, error) {
	if strings.TrimSpace(orgID) == "" {
		return nil, rbac.ErrTenantRequired
	}
	return s.repo.ListByOrganization(ctx, orgID)
}

// sync pushes an edge change into the engine and drops the subject's cached
// decisions. The store already holds the change, so engine failures are
// logged and left to the periodic policy sync.
func (s *Service) sync(ctx context.Context, b rbac.Binding, bind bool) {
	if s.binder == nil {
		return
	}
	var err error
	if bind {
		err = s.binder.BindRole(ctx, b)
	} else {
		err = s.binder.UnbindRole(ctx, b)
	}
	if err != nil {
		s.logger.Error("sync role binding",
			slog.String("user_id", b.UserID),
			slog.String("role_id", b.RoleID),
			slog.String("org_id", b.OrganizationID),
			slog.Bool("bind", bind),
			slog.Any("error", err))
	}
	scope := rbac.Scope{OrganizationID: b.OrganizationID, Subject: rbac.UserSubject(b.UserID)}
	if err := s.binder.InvalidateCache(ctx, scope); err != nil {
		s.logger.Warn("invalidate user decisions", slog.String("user_id", b.UserID), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, actorID, action string, a *Assignment) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:        actorID,
		OrganizationID: a.OrganizationID,
		Action:         action,
		Entity:         "user_role_assignment",
		EntityID:       a.ID.String(),
		Meta:           map[string]any{"user_id": a.UserID, "role_id": a.RoleID},
	})
	if err != nil {
		s.logger.Warn("audit assignment", slog.String("action", action), slog.Any("error", err))
	}
}
