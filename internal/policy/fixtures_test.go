package policy

import (
	"context"
	"sync"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/roles"
)

// ============================================================================
// IN-MEMORY STORES
// ============================================================================

type memoryRoles struct {
	mu    sync.Mutex
	roles []roles.Role
}

func newMemoryRoles(list ...roles.Role) *memoryRoles {
	return &memoryRoles{roles: list}
}

func (m *memoryRoles) ListRoles(_ context.Context, orgID string) ([]roles.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []roles.Role
	for _, r := range m.roles {
		if r.VisibleTo(orgID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryRoles) RolePermissions(_ context.Context, orgID, roleID string) (rbac.PermissionMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.ID == roleID && r.VisibleTo(orgID) {
			return r.Permissions.Clone(), nil
		}
	}
	return nil, rbac.ErrRoleNotFound
}

func (m *memoryRoles) setPermissions(roleID string, perms rbac.PermissionMap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.roles {
		if m.roles[i].ID == roleID {
			m.roles[i].Permissions = perms
		}
	}
}

type memoryBindings struct {
	mu       sync.Mutex
	bindings []rbac.Binding
}

func (m *memoryBindings) ListBindings(_ context.Context, orgID string) ([]rbac.Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []rbac.Binding
	for _, b := range m.bindings {
		if b.OrganizationID == orgID {
			out = append(out, b)
		}
	}
	return out, nil
}

func salesRoles() *memoryRoles {
	return newMemoryRoles(
		roles.Role{
			ID:             "sales_manager",
			Name:           "Sales Manager",
			OrganizationID: "org-1",
			Permissions: rbac.PermissionMap{
				{Module: "sales", Submodule: "leads", Action: "view"}: rbac.Allow,
				{Module: "sales", Submodule: "leads", Action: "edit"}: rbac.Deny,
			},
		},
		roles.Role{
			ID:             "warehouse",
			Name:           "Warehouse",
			OrganizationID: "org-1",
			Permissions:    rbac.PermissionMap{{Module: "inventory"}: rbac.Allow},
		},
	)
}

func newLocal(store *memoryRoles, bindings BindingSource) *LocalRoleEngine {
	evaluator := rbac.NewEvaluator(store, rbac.EvaluatorConfig{}, nil)
	engine, err := NewLocalRoleEngine(evaluator, store, bindings, nil)
	if err != nil {
		panic(err)
	}
	return engine
}
