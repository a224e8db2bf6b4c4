package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// EngineExternal is the name of the remote engine.
const EngineExternal = "external"

// Schema is the resource grammar pushed to the remote decision point.
// Resources are colon separated paths (module[:submodule]); roles are
// granted actions on resources and users inherit roles per organization.
const Schema = `definition user {}

definition organization {
    relation member: user
}

definition role {
    relation organization: organization
    relation assignee: user
}

definition resource {
    relation organization: organization
    relation granted: role#assignee | user
    relation denied: role#assignee | user
    permission allowed = granted - denied
}`

// RemoteConfig configures RemotePolicyEngine.
type RemoteConfig struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	FailOpen bool
}

// RemotePolicyEngine delegates decisions to a remote policy service over JSON/HTTP.
type RemotePolicyEngine struct {
	baseURL    string
	apiKey     string
	failOpen   bool
	httpClient *http.Client
	roles      RoleSource
	bindings   BindingSource
	logger     *slog.Logger
}

// NewRemotePolicyEngine constructs a client for the remote engine.
func NewRemotePolicyEngine(cfg RemoteConfig, roles RoleSource, bindings BindingSource, logger *slog.Logger) (*RemotePolicyEngine, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("policy engine %s: url and api key required", EngineExternal)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RemotePolicyEngine{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		failOpen: cfg.FailOpen,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		roles:    roles,
		bindings: bindings,
		logger:   logger,
	}, nil
}

// Name implements Engine.
func (e *RemotePolicyEngine) Name() string { return EngineExternal }

type remoteCheck struct {
	Principal      string `json:"principal"`
	Role           string `json:"role,omitempty"`
	OrganizationID string `json:"organizationId"`
	Resource       string `json:"resource"`
	Action         string `json:"action"`
}

type remoteDecision struct {
	Allowed bool `json:"allowed"`
}

// Evaluate implements Engine.
func (e *RemotePolicyEngine) Evaluate(ctx context.Context, check Check) (bool, error) {
	check = check.normalize()
	if err := check.Validate(); err != nil {
		return false, err
	}
	var resp remoteDecision
	err := e.do(ctx, http.MethodPost, "/v1/check", nil, remoteCheck{
		Principal:      check.Subject(),
		Role:           roleSubjectOrEmpty(check.RoleID),
		OrganizationID: check.OrganizationID,
		Resource:       check.Resource,
		Action:         check.Action,
	}, &resp)
	if err != nil {
		e.logger.Warn("policy backend check failed",
			slog.String("principal", check.Subject()),
			slog.String("org", check.OrganizationID),
			slog.Bool("fail_open", e.failOpen),
			slog.Any("error", err))
		return e.failOpen, fmt.Errorf("%w: %v", ErrPolicyBackendUnavailable, err)
	}
	return resp.Allowed, nil
}

type mutationResponse struct {
	Changed bool `json:"changed"`
}

// AddPolicy implements Engine.
func (e *RemotePolicyEngine) AddPolicy(ctx context.Context, record Record) (bool, error) {
	record = record.Normalize()
	if err := record.Validate(); err != nil {
		return false, err
	}
	var resp mutationResponse
	if err := e.do(ctx, http.MethodPost, "/v1/policies", nil, record, &resp); err != nil {
		return false, fmt.Errorf("%w: %v", ErrPolicyBackendUnavailable, err)
	}
	return resp.Changed, nil
}

// RemovePolicy implements Engine.
func (e *RemotePolicyEngine) RemovePolicy(ctx context.Context, record Record) (bool, error) {
	record = record.Normalize()
	if err := record.Validate(); err != nil {
		return false, err
	}
	var resp mutationResponse
	if err := e.do(ctx, http.MethodDelete, "/v1/policies", nil, record, &resp); err != nil {
		return false, fmt.Errorf("%w: %v", ErrPolicyBackendUnavailable, err)
	}
	return resp.Changed, nil
}

type exportResponse struct {
	Policies []Record `json:"policies"`
}

// ExportPolicies implements Engine.
func (e *RemotePolicyEngine) ExportPolicies(ctx context.Context, orgID string) ([]Record, error) {
	if orgID == "" {
		return nil, rbac.ErrTenantRequired
	}
	var resp exportResponse
	query := url.Values{"organizationId": []string{orgID}}
	if err := e.do(ctx, http.MethodGet, "/v1/policies", query, nil, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyBackendUnavailable, err)
	}
	out := make([]Record, 0, len(resp.Policies))
	for _, r := range resp.Policies {
		out = append(out, r.Normalize())
	}
	SortRecords(out)
	return out, nil
}

// InvalidateCache implements Engine. The remote service keeps its own
// consistency; local decisions are cached by the wrapping cachedEngine.
func (e *RemotePolicyEngine) InvalidateCache(context.Context, rbac.Scope) error {
	return nil
}

type bindingRecord struct {
	Subject        string `json:"subject"`
	Role           string `json:"role"`
	OrganizationID string `json:"organizationId"`
}

type bindingsResponse struct {
	Bindings []bindingRecord `json:"bindings"`
}

type roleDefinition struct {
	Permissions []Record `json:"permissions"`
}

// SyncPolicies implements Engine. It pushes the schema and every role
// definition of the tenant, then adds only the policy rows and bindings the
// remote side lacks, so repeated runs converge without duplicates.
func (e *RemotePolicyEngine) SyncPolicies(ctx context.Context, tenantID string) (bool, error) {
	if tenantID == "" {
		return false, rbac.ErrTenantRequired
	}
	if err := e.do(ctx, http.MethodPut, "/v1/schema", nil, map[string]string{"schema": Schema}, nil); err != nil {
		return false, fmt.Errorf("%w: push schema: %v", ErrPolicyBackendUnavailable, err)
	}

	var desired []Record
	if e.roles != nil {
		list, err := e.roles.ListRoles(ctx, tenantID)
		if err != nil {
			return false, err
		}
		for _, role := range list {
			records := RoleRecords(role, tenantID)
			path := "/v1/roles/" + url.PathEscape(tenantID) + "/" + url.PathEscape(role.ID)
			if err := e.do(ctx, http.MethodPut, path, nil, roleDefinition{Permissions: records}, nil); err != nil {
				return false, fmt.Errorf("%w: push role %s: %v", ErrPolicyBackendUnavailable, role.ID, err)
			}
			desired = append(desired, records...)
		}
	}

	existing, err := e.ExportPolicies(ctx, tenantID)
	if err != nil {
		return false, err
	}
	present := make(map[Record]struct{}, len(existing))
	for _, r := range existing {
		present[r] = struct{}{}
	}
	added := 0
	for _, r := range desired {
		if _, ok := present[r]; ok {
			continue
		}
		if _, err := e.AddPolicy(ctx, r); err != nil {
			return false, err
		}
		present[r] = struct{}{}
		added++
	}

	bound := 0
	if e.bindings != nil {
		bindings, err := e.bindings.ListBindings(ctx, tenantID)
		if err != nil {
			return false, err
		}
		var current bindingsResponse
		query := url.Values{"organizationId": []string{tenantID}}
		if err := e.do(ctx, http.MethodGet, "/v1/bindings", query, nil, &current); err != nil {
			return false, fmt.Errorf("%w: list bindings: %v", ErrPolicyBackendUnavailable, err)
		}
		have := make(map[bindingRecord]struct{}, len(current.Bindings))
		for _, b := range current.Bindings {
			have[b] = struct{}{}
		}
		for _, b := range bindings {
			rec := toBindingRecord(b)
			if _, ok := have[rec]; ok {
				continue
			}
			if err := e.do(ctx, http.MethodPost, "/v1/bindings", nil, rec, nil); err != nil {
				return false, fmt.Errorf("%w: bind: %v", ErrPolicyBackendUnavailable, err)
			}
			have[rec] = struct{}{}
			bound++
		}
	}

	e.logger.Info("policy sync",
		slog.String("engine", EngineExternal),
		slog.String("org_id", tenantID),
		slog.Int("added_policies", added),
		slog.Int("added_bindings", bound))
	return true, nil
}

// BindRole implements Engine.
func (e *RemotePolicyEngine) BindRole(ctx context.Context, b rbac.Binding) error {
	if err := validateBinding(b); err != nil {
		return err
	}
	if err := e.do(ctx, http.MethodPost, "/v1/bindings", nil, toBindingRecord(b), nil); err != nil {
		return fmt.Errorf("%w: %v", ErrPolicyBackendUnavailable, err)
	}
	return nil
}

// UnbindRole implements Engine.
func (e *RemotePolicyEngine) UnbindRole(ctx context.Context, b rbac.Binding) error {
	if err := validateBinding(b); err != nil {
		return err
	}
	if err := e.do(ctx, http.MethodDelete, "/v1/bindings", nil, toBindingRecord(b), nil); err != nil {
		return fmt.Errorf("%w: %v", ErrPolicyBackendUnavailable, err)
	}
	return nil
}

// Ping checks that the remote service answers.
func (e *RemotePolicyEngine) Ping(ctx context.Context) error {
	return e.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func (e *RemotePolicyEngine) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	target := e.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s returned status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func toBindingRecord(b rbac.Binding) bindingRecord {
	return bindingRecord{
		Subject:        rbac.UserSubject(b.UserID),
		Role:           rbac.RoleSubject(b.RoleID),
		OrganizationID: b.OrganizationID,
	}
}

func roleSubjectOrEmpty(roleID string) string {
	if roleID == "" {
		return ""
	}
	return rbac.RoleSubject(roleID)
}

var _ Engine = (*RemotePolicyEngine)(nil)
