package roles

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepository struct {
	mu    sync.Mutex
	roles map[string]Role

	// Error injection
	listErr error
}

func newMockRepository(seed ...Role) *mockRepository {
	m := &mockRepository{roles: make(map[string]Role)}
	for _, r := range seed {
		m.roles[r.ID] = r
	}
	return m
}

func (m *mockRepository) ListRoles(ctx context.Context, orgID string) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []Role
	for _, r := range m.roles {
		if r.VisibleTo(orgID) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRepository) GetRole(ctx context.Context, orgID, id string) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok || !r.VisibleTo(orgID) {
		return nil, rbac.ErrRoleNotFound
	}
	return &r, nil
}

func (m *mockRepository) CreateRole(ctx context.Context, role Role) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[role.ID]; ok {
		return nil, ErrDuplicate
	}
	role.CreatedAt = time.Now()
	role.UpdatedAt = role.CreatedAt
	m.roles[role.ID] = role
	return &role, nil
}

func (m *mockRepository) UpdateRole(ctx context.Context, role Role) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.roles[role.ID]
	if !ok || current.BuiltIn || current.OrganizationID != role.OrganizationID {
		return nil, rbac.ErrRoleNotFound
	}
	current.Name = role.Name
	current.Description = role.Description
	current.Permissions = role.Permissions
	current.UpdatedAt = time.Now()
	m.roles[role.ID] = current
	return &current, nil
}

func (m *mockRepository) DeleteRole(ctx context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.roles[id]
	if !ok || current.BuiltIn || current.OrganizationID != orgID {
		return rbac.ErrRoleNotFound
	}
	delete(m.roles, id)
	return nil
}

type recordingInvalidator struct {
	mu     sync.Mutex
	scopes []rbac.Scope
}

func (r *recordingInvalidator) InvalidateCache(ctx context.Context, scope rbac.Scope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopes = append(r.scopes, scope)
	return nil
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func newTestService(seed ...Role) (*Service, *mockRepository, *recordingInvalidator, *recordingAudit) {
	repo := newMockRepository(seed...)
	audit := &recordingAudit{}
	svc := NewService(repo, audit, nil)
	inv := &recordingInvalidator{}
	svc.UseInvalidator(inv)
	return svc, repo, inv, audit
}

func salesManager() Role {
	return Role{
		ID:             "sales_manager",
		Name:           "Sales Manager",
		OrganizationID: "org-1",
		Permissions: rbac.PermissionMap{
			{Module: "sales", Submodule: "leads", Action: "view"}: rbac.Allow,
			{Module: "sales", Submodule: "leads", Action: "edit"}: rbac.Deny,
		},
	}
}

// ============================================================================
// TESTS
// ============================================================================

func TestCreateRole(t *testing.T) {
	svc, repo, _, audit := newTestService()
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "actor", CreateRoleInput{
		ID:             "clerk",
		Name:           "  Clerk ",
		OrganizationID: "org-1",
		Permissions:    rbac.PermissionMap{{Module: "inventory"}: rbac.Allow},
	})
	require.NoError(t, err)
	assert.Equal(t, "Clerk", role.Name)
	assert.Contains(t, repo.roles, "clerk")
	require.Len(t, audit.logs, 1)
	assert.Equal(t, "role.create", audit.logs[0].Action)

	generated, err := svc.CreateRole(ctx, "actor", CreateRoleInput{Name: "Auditor", OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)
	assert.NotNil(t, generated.Permissions)
}

func TestCreateRoleValidation(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.CreateRole(ctx, "actor", CreateRoleInput{ID: "x"})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.CreateRole(ctx, "actor", CreateRoleInput{ID: "a:b", Name: "Bad"})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.CreateRole(ctx, "actor", CreateRoleInput{ID: rbac.BuiltinAdminRole, Name: "Admin"})
	assert.ErrorIs(t, err, rbac.ErrImmutableRole)

	_, err = svc.CreateRole(ctx, "actor", CreateRoleInput{ID: "dup", Name: "One"})
	require.NoError(t, err)
	_, err = svc.CreateRole(ctx, "actor", CreateRoleInput{ID: "dup", Name: "Two"})
	assert.ErrorIs(t, err, httpx.ErrDuplicate)
}

func TestUpdateRoleInvalidatesOrganization(t *testing.T) {
	svc, repo, inv, _ := newTestService(salesManager())
	ctx := context.Background()

	updated, err := svc.UpdateRole(ctx, "actor", "org-1", "sales_manager", UpdateRoleInput{
		Name:        "Sales Lead",
		Permissions: rbac.PermissionMap{{Module: "sales"}: rbac.Allow},
	})
	require.NoError(t, err)
	assert.Equal(t, "Sales Lead", updated.Name)
	assert.Equal(t, rbac.Allow, repo.roles["sales_manager"].Permissions.Get(rbac.Key{Module: "sales"}))
	assert.Equal(t, []rbac.Scope{{OrganizationID: "org-1"}}, inv.scopes)
}

func TestUpdateRoleRejectsForeignAndShared(t *testing.T) {
	viewer := Role{ID: "viewer", Name: "Viewer", Permissions: rbac.PermissionMap{}}
	svc, _, inv, _ := newTestService(salesManager(), viewer)
	ctx := context.Background()

	_, err := svc.UpdateRole(ctx, "actor", "org-2", "sales_manager", UpdateRoleInput{Name: "x"})
	assert.ErrorIs(t, err, rbac.ErrRoleNotFound)

	_, err = svc.UpdateRole(ctx, "actor", "org-1", "viewer", UpdateRoleInput{Name: "x"})
	assert.ErrorIs(t, err, rbac.ErrPermissionDenied)

	_, err = svc.UpdateRole(ctx, "actor", "", "viewer", UpdateRoleInput{Name: "Viewer 2"})
	require.NoError(t, err)
	assert.Equal(t, []rbac.Scope{{}}, inv.scopes, "shared role changes clear every tenant")
}

func TestAdminRoleIsImmutable(t *testing.T) {
	svc, repo, inv, _ := newTestService(AdminRole())
	ctx := context.Background()

	_, err := svc.UpdateRole(ctx, "actor", "", rbac.BuiltinAdminRole, UpdateRoleInput{Name: "Hacked"})
	assert.ErrorIs(t, err, rbac.ErrImmutableRole)
	assert.ErrorIs(t, err, httpx.ErrForbidden)

	err = svc.DeleteRole(ctx, "actor", "", rbac.BuiltinAdminRole)
	assert.ErrorIs(t, err, rbac.ErrImmutableRole)

	assert.Equal(t, "Administrator", repo.roles[rbac.BuiltinAdminRole].Name)
	assert.Empty(t, inv.scopes)
}

func TestDeleteRole(t *testing.T) {
	svc, repo, inv, audit := newTestService(salesManager())
	ctx := context.Background()

	require.NoError(t, svc.DeleteRole(ctx, "actor", "org-1", "sales_manager"))
	assert.NotContains(t, repo.roles, "sales_manager")
	assert.Equal(t, []rbac.Scope{{OrganizationID: "org-1"}}, inv.scopes)
	require.Len(t, audit.logs, 1)
	assert.Equal(t, "role.delete", audit.logs[0].Action)

	err := svc.DeleteRole(ctx, "actor", "org-1", "sales_manager")
	assert.ErrorIs(t, err, rbac.ErrRoleNotFound)
}

func TestRolePermissionsImplementsSource(t *testing.T) {
	svc, _, _, _ := newTestService(salesManager())
	var src rbac.PermissionSource = svc

	perms, err := src.RolePermissions(context.Background(), "org-1", "sales_manager")
	require.NoError(t, err)
	assert.True(t, perms.Allows("sales", "leads", "view"))

	_, err = src.RolePermissions(context.Background(), "org-2", "sales_manager")
	assert.True(t, errors.Is(err, rbac.ErrRoleNotFound))
}

func TestEnsureBuiltins(t *testing.T) {
	svc, repo, _, _ := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.EnsureBuiltins(ctx))
	require.NoError(t, svc.EnsureBuiltins(ctx))
	admin, ok := repo.roles[rbac.BuiltinAdminRole]
	require.True(t, ok)
	assert.True(t, admin.BuiltIn)
	assert.Empty(t, admin.OrganizationID)
}
