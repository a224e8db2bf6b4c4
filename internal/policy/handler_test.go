package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/roles"
)

type brokenEngine struct {
	Engine
	failOpen bool
}

func (b brokenEngine) Evaluate(context.Context, Check) (bool, error) {
	return b.failOpen, ErrPolicyBackendUnavailable
}

type fakeEnqueuer struct {
	tenants []string
}

func (f *fakeEnqueuer) EnqueuePolicySync(_ context.Context, tenantID string) (string, error) {
	f.tenants = append(f.tenants, tenantID)
	return "task-1", nil
}

type handlerFixture struct {
	router http.Handler
	engine Engine
	jobs   *fakeEnqueuer
}

func newHandlerFixture(t *testing.T, wrap func(Engine) Engine) *handlerFixture {
	t.Helper()
	store := salesRoles()
	store.roles = append(store.roles, roles.Role{
		ID:             "policy_admin",
		Name:           "Policy Admin",
		OrganizationID: "org-1",
		Permissions:    rbac.PermissionMap{{Module: "permissions", Submodule: "manage"}: rbac.Allow},
	})
	evaluator := rbac.NewEvaluator(store, rbac.EvaluatorConfig{}, nil)
	engine, err := New(Config{}, Deps{Evaluator: evaluator, Roles: store})
	require.NoError(t, err)
	if wrap != nil {
		engine = wrap(engine)
	}
	jobs := &fakeEnqueuer{}
	handler := NewHandler(nil, engine, evaluator, rbac.Middleware{Evaluator: evaluator}, jobs)

	r := chi.NewRouter()
	r.Route("/permission-check", handler.MountCheck)
	r.Route("/policies", handler.MountPolicies)
	return &handlerFixture{router: r, engine: engine, jobs: jobs}
}

func (f *handlerFixture) do(t *testing.T, method, path string, body any, claims *rbac.SessionClaims) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if claims != nil {
		req = req.WithContext(rbac.ContextWithClaims(req.Context(), claims))
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decodeResult(t *testing.T, rr *httptest.ResponseRecorder) checkResult {
	t.Helper()
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var out checkResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

var (
	salesClaims  = &rbac.SessionClaims{UID: "u1", OrgID: "org-1", RoleID: "sales_manager"}
	policyClaims = &rbac.SessionClaims{UID: "p1", OrgID: "org-1", RoleID: "policy_admin"}
	rootClaims   = &rbac.SessionClaims{UID: "root", RoleID: rbac.BuiltinAdminRole}
)

// ============================================================================
// PERMISSION CHECK
// ============================================================================

func TestPermissionCheck(t *testing.T) {
	f := newHandlerFixture(t, nil)

	rr := f.do(t, http.MethodPost, "/permission-check", map[string]any{"action": "view", "resource": "sales/leads"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	res := decodeResult(t, f.do(t, http.MethodPost, "/permission-check", map[string]any{"action": "view", "resource": "sales/leads"}, salesClaims))
	assert.True(t, res.Allowed)
	assert.Equal(t, "granted", res.Reason)

	res = decodeResult(t, f.do(t, http.MethodPost, "/permission-check", map[string]any{"action": "edit", "resource": "sales:leads", "resource_id": "42"}, salesClaims))
	assert.False(t, res.Allowed)
	assert.Equal(t, "denied", res.Reason)

	res = decodeResult(t, f.do(t, http.MethodPost, "/permission-check", map[string]any{
		"action": "view", "resource": "sales:leads", "context": map[string]any{"organizationId": "org-2"},
	}, salesClaims))
	assert.False(t, res.Allowed, "foreign organization")

	res = decodeResult(t, f.do(t, http.MethodPost, "/permission-check", map[string]any{"action": "delete", "resource": "anything"}, rootClaims))
	assert.True(t, res.Allowed)

	rr = f.do(t, http.MethodPost, "/permission-check", map[string]any{"resource": "sales"}, salesClaims)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPermissionCheckNeverFailsOnBackendError(t *testing.T) {
	for _, failOpen := range []bool{false, true} {
		f := newHandlerFixture(t, func(e Engine) Engine { return brokenEngine{Engine: e, failOpen: failOpen} })
		res := decodeResult(t, f.do(t, http.MethodPost, "/permission-check", map[string]any{"action": "view", "resource": "sales"}, salesClaims))
		assert.Equal(t, failOpen, res.Allowed)
	}
}

// ============================================================================
// POLICY MANAGEMENT
// ============================================================================

func TestPolicyManagementGuards(t *testing.T) {
	f := newHandlerFixture(t, nil)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/policies", nil, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/policies", nil, salesClaims).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/policies/sync", nil, salesClaims).Code)
}

func TestPolicyCRUD(t *testing.T) {
	f := newHandlerFixture(t, nil)
	rec := map[string]any{"subject": "user:u1", "resource": "hr/payroll", "action": "view"}

	rr := f.do(t, http.MethodPost, "/policies", rec, policyClaims)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodPost, "/policies", rec, policyClaims)
	assert.Equal(t, http.StatusOK, rr.Code)

	res := decodeResult(t, f.do(t, http.MethodPost, "/permission-check", map[string]any{"action": "view", "resource": "hr:payroll"}, salesClaims))
	assert.True(t, res.Allowed)

	rr = f.do(t, http.MethodGet, "/policies", nil, policyClaims)
	require.Equal(t, http.StatusOK, rr.Code)
	var listed struct {
		OrganizationID string   `json:"organizationId"`
		Policies       []Record `json:"policies"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listed))
	assert.Equal(t, "org-1", listed.OrganizationID)
	assert.Contains(t, listed.Policies, Record{Subject: "user:u1", OrganizationID: "org-1", Resource: "hr:payroll", Action: "view", Effect: EffectAllow})

	rr = f.do(t, http.MethodDelete, "/policies", rec, policyClaims)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"removed":true}`, rr.Body.String())

	res = decodeResult(t, f.do(t, http.MethodPost, "/permission-check", map[string]any{"action": "view", "resource": "hr:payroll"}, salesClaims))
	assert.False(t, res.Allowed)

	rr = f.do(t, http.MethodPost, "/policies", map[string]any{"subject": "group:x", "resource": "hr", "action": "view"}, policyClaims)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/policies", map[string]any{"subject": "user:u1", "organizationId": "org-2", "resource": "hr", "action": "view"}, policyClaims)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestPolicySync(t *testing.T) {
	f := newHandlerFixture(t, nil)

	rr := f.do(t, http.MethodPost, "/policies/sync", nil, policyClaims)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"synced":true,"tenantId":"org-1"}`, rr.Body.String())

	rr = f.do(t, http.MethodPost, "/policies/sync?async=true", nil, policyClaims)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, []string{"org-1"}, f.jobs.tenants)

	rr = f.do(t, http.MethodPost, "/policies/sync?tenantId=org-9", nil, rootClaims)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodPost, "/policies/sync", nil, rootClaims)
	assert.Equal(t, http.StatusForbidden, rr.Code, "tenant required")
}
