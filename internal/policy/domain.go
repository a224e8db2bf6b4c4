package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/roles"
)

var (
	// ErrInvalidPolicyRule flags a malformed policy record or check.
	ErrInvalidPolicyRule = fmt.Errorf("invalid policy rule: %w", httpx.ErrValidation)
	// ErrPolicyBackendUnavailable is returned when the decision backend cannot answer.
	ErrPolicyBackendUnavailable = errors.New("policy backend unavailable")
)

// Effect is the outcome a policy record grants.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// WildcardAction matches every action of a resource.
const WildcardAction = "*"

// Record is one granted or denied capability.
type Record struct {
	Subject        string `json:"subject" validate:"required,max=200"`
	OrganizationID string `json:"organizationId" validate:"max=64"`
	Resource       string `json:"resource" validate:"required,max=200"`
	Action         string `json:"action" validate:"required,max=64"`
	Effect         Effect `json:"effect" validate:"omitempty,oneof=allow deny"`
}

// Normalize trims fields and defaults the effect to allow.
func (r Record) Normalize() Record {
	r.Subject = strings.TrimSpace(r.Subject)
	r.OrganizationID = strings.TrimSpace(r.OrganizationID)
	r.Resource = normalizeResource(r.Resource)
	r.Action = strings.TrimSpace(r.Action)
	if r.Effect == "" {
		r.Effect = EffectAllow
	}
	return r
}

// Validate checks that the record can be stored.
func (r Record) Validate() error {
	if _, _, ok := rbac.ParseSubject(r.Subject); !ok {
		return fmt.Errorf("%w: subject %q must be role:<id> or user:<id>", ErrInvalidPolicyRule, r.Subject)
	}
	if r.OrganizationID == "" {
		return fmt.Errorf("%w: organizationId required", ErrInvalidPolicyRule)
	}
	if r.Resource == "" || r.Action == "" {
		return fmt.Errorf("%w: resource and action required", ErrInvalidPolicyRule)
	}
	if r.Effect != EffectAllow && r.Effect != EffectDeny {
		return fmt.Errorf("%w: effect %q", ErrInvalidPolicyRule, r.Effect)
	}
	return nil
}

func (r Record) tuple() []string {
	return []string{r.Subject, r.OrganizationID, r.Resource, r.Action, string(r.Effect)}
}

// scope returns the cache scope affected by a change to the record.
func (r Record) scope() rbac.Scope {
	if kind, _, _ := rbac.ParseSubject(r.Subject); kind == rbac.SubjectUser {
		return rbac.Scope{OrganizationID: r.OrganizationID, Subject: r.Subject}
	}
	return rbac.Scope{OrganizationID: r.OrganizationID}
}

// Check is a single decision request.
type Check struct {
	Principal      string
	RoleID         string
	OrganizationID string
	Resource       string
	Action         string
	// Snapshot is the permission map carried by the caller's token, if any.
	Snapshot rbac.PermissionMap
}

// CheckFromClaims builds a check for the caller described by claims.
func CheckFromClaims(claims *rbac.SessionClaims, orgID, resource, action string) Check {
	c := Check{OrganizationID: orgID, Resource: resource, Action: action}
	if claims != nil {
		c.Principal = claims.UID
		c.RoleID = claims.RoleID
		c.Snapshot = claims.Permissions
	}
	return c.normalize()
}

func (c Check) normalize() Check {
	c.Principal = strings.TrimSpace(c.Principal)
	c.RoleID = strings.TrimSpace(c.RoleID)
	c.OrganizationID = strings.TrimSpace(c.OrganizationID)
	c.Resource = normalizeResource(c.Resource)
	c.Action = strings.TrimSpace(c.Action)
	return c
}

// Validate rejects checks that cannot be scoped to one tenant triple.
func (c Check) Validate() error {
	if c.Principal == "" {
		return rbac.ErrUnauthorized
	}
	if c.OrganizationID == "" {
		return rbac.ErrTenantRequired
	}
	if c.Resource == "" || c.Action == "" {
		return fmt.Errorf("%w: resource and action required", ErrInvalidPolicyRule)
	}
	return nil
}

// Subject is the user subject of the principal.
func (c Check) Subject() string {
	return rbac.UserSubject(c.Principal)
}

// Key identifies the permission the resource maps onto in a role map.
func (c Check) Key() (rbac.Key, error) {
	key, err := rbac.ParseKey(c.Resource)
	if err != nil {
		return rbac.Key{}, fmt.Errorf("%w: resource %q", ErrInvalidPolicyRule, c.Resource)
	}
	if key.Action != "" {
		return rbac.Key{}, fmt.Errorf("%w: resource %q has an action segment", ErrInvalidPolicyRule, c.Resource)
	}
	key.Action = c.Action
	if key.Submodule == "" {
		key.Action = ""
	}
	return key, nil
}

// cacheKey is the decision cache identity of the check.
func (c Check) cacheKey() DecisionKey {
	return DecisionKey{
		OrganizationID: c.OrganizationID,
		Subject:        c.Subject(),
		RoleID:         c.RoleID,
		Resource:       c.Resource,
		Action:         c.Action,
	}
}

// normalizeResource accepts "module/submodule" as an alias of "module:submodule".
func normalizeResource(resource string) string {
	return strings.Trim(strings.ReplaceAll(strings.TrimSpace(resource), "/", ":"), ":")
}

// Engine answers authorization decisions and manages the policy rows behind them.
type Engine interface {
	// Evaluate decides a check. On backend failure it returns the configured
	// degraded answer (deny unless fail-open) together with an error wrapping
	// ErrPolicyBackendUnavailable.
	Evaluate(ctx context.Context, check Check) (bool, error)
	AddPolicy(ctx context.Context, record Record) (bool, error)
	RemovePolicy(ctx context.Context, record Record) (bool, error)
	ExportPolicies(ctx context.Context, orgID string) ([]Record, error)
	InvalidateCache(ctx context.Context, scope rbac.Scope) error
	SyncPolicies(ctx context.Context, tenantID string) (bool, error)
	BindRole(ctx context.Context, binding rbac.Binding) error
	UnbindRole(ctx context.Context, binding rbac.Binding) error
	Name() string
}

// RoleSource lists the role documents visible to a tenant.
type RoleSource interface {
	ListRoles(ctx context.Context, orgID string) ([]roles.Role, error)
}

// BindingSource lists the active user to role edges of a tenant.
type BindingSource interface {
	ListBindings(ctx context.Context, orgID string) ([]rbac.Binding, error)
}

// RoleRecords expands a role permission map into policy rows for orgID.
// Module level grants become the bare module resource with the wildcard action.
func RoleRecords(role roles.Role, orgID string) []Record {
	out := make([]Record, 0, len(role.Permissions))
	for key, eff := range role.Permissions {
		if eff == rbac.Unset {
			continue
		}
		resource := key.Module
		if key.Submodule != "" {
			resource = key.Module + ":" + key.Submodule
		}
		action := key.Action
		if action == "" {
			action = WildcardAction
		}
		effect := EffectAllow
		if eff == rbac.Deny {
			effect = EffectDeny
		}
		out = append(out, Record{
			Subject:        rbac.RoleSubject(role.ID),
			OrganizationID: orgID,
			Resource:       resource,
			Action:         action,
			Effect:         effect,
		})
	}
	SortRecords(out)
	return out
}

// SortRecords orders records by subject, resource, action and effect.
func SortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		if a.Resource != b.Resource {
			return a.Resource < b.Resource
		}
		if a.Action != b.Action {
			return a.Action < b.Action
		}
		return a.Effect < b.Effect
	})
}
