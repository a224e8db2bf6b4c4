package roles

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

type handlerFixture struct {
	router http.Handler
	repo   *mockRepository
	inv    *recordingInvalidator
}

func newHandlerFixture(t *testing.T, seed ...Role) *handlerFixture {
	t.Helper()
	svc, repo, inv, _ := newTestService(seed...)
	evaluator := rbac.NewEvaluator(svc, rbac.EvaluatorConfig{}, nil)
	handler := NewHandler(nil, svc, evaluator, rbac.Middleware{Evaluator: evaluator})

	r := chi.NewRouter()
	r.Route("/roles", handler.MountRoutes)
	return &handlerFixture{router: r, repo: repo, inv: inv}
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

func managerRole() Role {
	return Role{
		ID:             "role_manager",
		Name:           "Role Manager",
		OrganizationID: "org-1",
		Permissions:    rbac.PermissionMap{{Module: "settings", Submodule: "manageRoles"}: rbac.Allow},
	}
}

func recruiterRole() Role {
	return Role{
		ID:             "recruiter",
		Name:           "Recruiter",
		OrganizationID: "org-1",
		Permissions:    rbac.PermissionMap{{Module: "users", Submodule: "create"}: rbac.Allow},
	}
}

var (
	adminClaims     = &rbac.SessionClaims{UID: "root", RoleID: rbac.BuiltinAdminRole}
	managerClaims   = &rbac.SessionClaims{UID: "u-1", OrgID: "org-1", RoleID: "role_manager"}
	recruiterClaims = &rbac.SessionClaims{UID: "u-2", OrgID: "org-1", RoleID: "recruiter"}
)

// ============================================================================
// TESTS
// ============================================================================

func TestHandlerDeleteAdminForbidden(t *testing.T) {
	f := newHandlerFixture(t, AdminRole(), managerRole())

	rr := f.do(t, http.MethodDelete, "/roles/admin", nil, adminClaims)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, f.repo.roles, rbac.BuiltinAdminRole)

	rr = f.do(t, http.MethodPut, "/roles/admin", map[string]any{"name": "x"}, adminClaims)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "Administrator", f.repo.roles[rbac.BuiltinAdminRole].Name)
	assert.Empty(t, f.inv.scopes)
}

func TestHandlerListRolesUnion(t *testing.T) {
	f := newHandlerFixture(t, managerRole(), recruiterRole())

	rr := f.do(t, http.MethodGet, "/roles", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodGet, "/roles", nil, recruiterClaims)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Roles []Role `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Len(t, body.Roles, 2)

	// users:create alone does not open the management routes.
	rr = f.do(t, http.MethodPost, "/roles", map[string]any{"name": "Clerk"}, recruiterClaims)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestHandlerCreateAndUpdate(t *testing.T) {
	f := newHandlerFixture(t, managerRole())

	rr := f.do(t, http.MethodPost, "/roles", map[string]any{
		"id":          "sales_manager",
		"name":        "Sales Manager",
		"permissions": map[string]any{"sales": map[string]any{"leads": map[string]any{"view": true}}},
	}, managerClaims)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := f.repo.roles["sales_manager"]
	assert.Equal(t, "org-1", created.OrganizationID)
	assert.True(t, created.Permissions.Allows("sales", "leads", "view"))

	rr = f.do(t, http.MethodPut, "/roles/sales_manager", map[string]any{
		"name":        "Sales Manager",
		"permissions": map[string]any{"sales:leads": true},
	}, managerClaims)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.True(t, f.repo.roles["sales_manager"].Permissions.Allows("sales", "leads", "edit"))
	assert.Equal(t, []rbac.Scope{{OrganizationID: "org-1"}}, f.inv.scopes)
}

func TestHandlerValidationAndTenancy(t *testing.T) {
	f := newHandlerFixture(t, managerRole())

	rr := f.do(t, http.MethodPost, "/roles", map[string]any{"id": "x"}, managerClaims)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/roles", map[string]any{
		"name":        "Broken",
		"permissions": map[string]any{"sales": "yes"},
	}, managerClaims)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/roles?organizationId=org-2", nil, managerClaims)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodGet, "/roles/missing", nil, managerClaims)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandlerDeleteRole(t *testing.T) {
	f := newHandlerFixture(t, managerRole(), recruiterRole())

	rr := f.do(t, http.MethodDelete, "/roles/recruiter", nil, managerClaims)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.NotContains(t, f.repo.roles, "recruiter")
}
