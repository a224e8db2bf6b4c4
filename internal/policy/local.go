package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// EngineMock is the name of the embedded engine.
const EngineMock = "mock"

// RBAC with domains; a matching deny record overrides any allow.
const localModel = `
[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act, eft

[role_definition]
g = _, _, _

[policy_effect]
e = some(where (p.eft == allow)) && !some(where (p.eft == deny))

[matchers]
m = g(r.sub, p.sub, r.dom) && r.dom == p.dom && keyMatch(r.obj, p.obj) && (r.act == p.act || p.act == "*")
`

// LocalRoleEngine serves decisions in process. Explicit records and user to
// role bindings live in a casbin enforcer; checks no record speaks to fall
// back to the role permission maps through the evaluator.
type LocalRoleEngine struct {
	mu        sync.RWMutex
	enforcer  *casbin.Enforcer
	evaluator *rbac.Evaluator
	roles     RoleSource
	bindings  BindingSource
	logger    *slog.Logger
}

// NewLocalRoleEngine builds the embedded engine. roles and bindings may be
// nil; export and sync then only cover explicit records.
func NewLocalRoleEngine(evaluator *rbac.Evaluator, roles RoleSource, bindings BindingSource, logger *slog.Logger) (*LocalRoleEngine, error) {
	m, err := model.NewModelFromString(localModel)
	if err != nil {
		return nil, fmt.Errorf("policy model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("policy enforcer: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalRoleEngine{
		enforcer:  enforcer,
		evaluator: evaluator,
		roles:     roles,
		bindings:  bindings,
		logger:    logger,
	}, nil
}

// Name implements Engine.
func (e *LocalRoleEngine) Name() string { return EngineMock }

// Evaluate implements Engine.
func (e *LocalRoleEngine) Evaluate(ctx context.Context, check Check) (bool, error) {
	check = check.normalize()
	if err := check.Validate(); err != nil {
		return false, err
	}
	if e.evaluator != nil && e.evaluator.IsSuperAdminRole(check.RoleID) {
		return true, nil
	}

	subjects := []string{check.Subject()}
	if check.RoleID != "" {
		subjects = append(subjects, rbac.RoleSubject(check.RoleID))
	}
	for _, sub := range subjects {
		allowed, matched, err := e.enforce(sub, check)
		if err != nil {
			return false, err
		}
		if matched {
			return allowed, nil
		}
	}

	key, err := check.Key()
	if err != nil {
		return false, err
	}
	if check.Snapshot != nil {
		return check.Snapshot.Allows(key.Module, key.Submodule, key.Action), nil
	}
	if e.evaluator == nil {
		return false, nil
	}

	roleIDs := e.boundRoles(check.Subject(), check.OrganizationID)
	if check.RoleID != "" {
		roleIDs = append([]string{check.RoleID}, roleIDs...)
	}
	for _, roleID := range roleIDs {
		allowed, err := e.evaluator.RoleAllows(ctx, check.OrganizationID, roleID, key.Module, key.Submodule, key.Action)
		if errors.Is(err, rbac.ErrRoleNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if allowed {
			return true, nil
		}
	}
	return false, nil
}

// enforce reports the record decision for sub and whether any record matched.
func (e *LocalRoleEngine) enforce(sub string, check Check) (allowed, matched bool, err error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	allowed, explain, err := e.enforcer.EnforceEx(sub, check.OrganizationID, check.Resource, check.Action)
	if err != nil {
		return false, false, fmt.Errorf("enforce: %w", err)
	}
	return allowed, len(explain) > 0, nil
}

func (e *LocalRoleEngine) boundRoles(subject, orgID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var ids []string
	for _, role := range e.enforcer.GetRolesForUserInDomain(subject, orgID) {
		if kind, id, ok := rbac.ParseSubject(role); ok && kind == rbac.SubjectRole {
			ids = append(ids, id)
		}
	}
	return ids
}

// AddPolicy implements Engine.
func (e *LocalRoleEngine) AddPolicy(_ context.Context, record Record) (bool, error) {
	record = record.Normalize()
	if err := record.Validate(); err != nil {
		return false, err
	}
	rule := toAny(record.tuple())
	e.mu.Lock()
	defer e.mu.Unlock()
	// casbin reports an existing rule as added.
	exists, err := e.enforcer.HasPolicy(rule...)
	if err != nil || exists {
		return false, err
	}
	return e.enforcer.AddPolicy(rule...)
}

// RemovePolicy implements Engine.
func (e *LocalRoleEngine) RemovePolicy(_ context.Context, record Record) (bool, error) {
	record = record.Normalize()
	if err := record.Validate(); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enforcer.RemovePolicy(toAny(record.tuple())...)
}

// ExportPolicies implements Engine. The result holds the explicit records of
// the organization followed by the rows derived from its role documents.
func (e *LocalRoleEngine) ExportPolicies(ctx context.Context, orgID string) ([]Record, error) {
	if orgID == "" {
		return nil, rbac.ErrTenantRequired
	}
	e.mu.RLock()
	rows, err := e.enforcer.GetFilteredPolicy(1, orgID)
	e.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	seen := make(map[Record]struct{}, len(rows))
	out := make([]Record, 0, len(rows))
	add := func(r Record) {
		if _, dup := seen[r]; dup {
			return
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		add(Record{Subject: row[0], OrganizationID: row[1], Resource: row[2], Action: row[3], Effect: Effect(row[4])})
	}
	if e.roles != nil {
		list, err := e.roles.ListRoles(ctx, orgID)
		if err != nil {
			return nil, err
		}
		for _, role := range list {
			for _, r := range RoleRecords(role, orgID) {
				add(r)
			}
		}
	}
	SortRecords(out)
	return out, nil
}

// InvalidateCache implements Engine. The embedded engine keeps no cache of
// its own; decisions are cached by the wrapping cachedEngine.
func (e *LocalRoleEngine) InvalidateCache(context.Context, rbac.Scope) error {
	return nil
}

// SyncPolicies implements Engine by reloading the tenant's bindings from the
// assignment store.
func (e *LocalRoleEngine) SyncPolicies(ctx context.Context, tenantID string) (bool, error) {
	if tenantID == "" {
		return false, rbac.ErrTenantRequired
	}
	if e.bindings == nil {
		return true, nil
	}
	bindings, err := e.bindings.ListBindings(ctx, tenantID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.enforcer.RemoveFilteredGroupingPolicy(2, tenantID); err != nil {
		return false, err
	}
	for _, b := range bindings {
		if _, err := e.enforcer.AddRoleForUserInDomain(rbac.UserSubject(b.UserID), rbac.RoleSubject(b.RoleID), tenantID); err != nil {
			return false, err
		}
	}
	e.logger.Debug("policy sync", slog.String("engine", EngineMock), slog.String("org_id", tenantID), slog.Int("bindings", len(bindings)))
	return true, nil
}

// BindRole implements Engine.
func (e *LocalRoleEngine) BindRole(_ context.Context, b rbac.Binding) error {
	if err := validateBinding(b); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.enforcer.AddRoleForUserInDomain(rbac.UserSubject(b.UserID), rbac.RoleSubject(b.RoleID), b.OrganizationID)
	return err
}

// UnbindRole implements Engine.
func (e *LocalRoleEngine) UnbindRole(_ context.Context, b rbac.Binding) error {
	if err := validateBinding(b); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.enforcer.DeleteRoleForUserInDomain(rbac.UserSubject(b.UserID), rbac.RoleSubject(b.RoleID), b.OrganizationID)
	return err
}

func validateBinding(b rbac.Binding) error {
	if b.UserID == "" || b.RoleID == "" {
		return fmt.Errorf("%w: binding requires user and role", ErrInvalidPolicyRule)
	}
	if b.OrganizationID == "" {
		return rbac.ErrTenantRequired
	}
	return nil
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

var _ Engine = (*LocalRoleEngine)(nil)
