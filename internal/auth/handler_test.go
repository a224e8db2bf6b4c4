package auth_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-authz/internal/auth"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
	_ "github.com/odyssey-erp/odyssey-authz/testing"
)

type stubRepo struct {
	user     *auth.User
	sessions map[string]string
}

func (s *stubRepo) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if s.user == nil || !strings.EqualFold(s.user.Email, email) {
		return nil, shared.ErrNotFound
	}
	return s.user, nil
}

func (s *stubRepo) CreateSession(ctx context.Context, id, userID string, expiresAt time.Time, ip, ua string) error {
	if s.sessions == nil {
		s.sessions = make(map[string]string)
	}
	s.sessions[id] = userID
	return nil
}

func (s *stubRepo) DeleteSession(ctx context.Context, id string) error {
	delete(s.sessions, id)
	return nil
}

type stubResolver struct {
	perms rbac.PermissionMap
}

func (s stubResolver) ResolvePermissions(ctx context.Context, claims *rbac.SessionClaims) (rbac.PermissionMap, error) {
	return s.perms, nil
}

type authFixture struct {
	handler  *auth.Handler
	sessions *shared.SessionManager
	tokens   *auth.TokenIssuer
	repo     *stubRepo
}

func newAuthFixture(t *testing.T, user *auth.User) *authFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessionManager := shared.NewSessionManager(redisClient, "test_session", "secret", time.Hour, false)
	csrfManager := shared.NewCSRFManager("csrfsecret")
	tokens := auth.NewTokenIssuer(auth.TokenConfig{Secret: "jwtsecret", Issuer: "odyssey-test"})
	repo := &stubRepo{user: user}
	resolver := stubResolver{perms: rbac.PermissionMap{{Module: "sales", Submodule: "leads", Action: "view"}: rbac.Allow}}
	svc := auth.NewService(repo, tokens, resolver, nil)
	return &authFixture{
		handler:  auth.NewHandler(nil, svc, sessionManager, csrfManager),
		sessions: sessionManager,
		tokens:   tokens,
		repo:     repo,
	}
}

func activeUser(t *testing.T) *auth.User {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte("correctpass"), bcrypt.MinCost)
	require.NoError(t, err)
	return &auth.User{
		ID:             "u-1",
		Email:          "user@test.local",
		PasswordHash:   string(hashed),
		IsActive:       true,
		OrganizationID: "org-1",
		RoleID:         "sales_manager",
	}
}

// serve runs one request through a session load/commit cycle like the app middleware.
func (f *authFixture) serve(t *testing.T, method, path string, body any, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	sess, err := f.sessions.Load(context.Background(), req)
	require.NoError(t, err)
	ctx := shared.ContextWithSession(req.Context(), sess)
	req = req.WithContext(ctx)

	router := chi.NewRouter()
	router.Route("/auth", f.handler.MountRoutes)
	res := httptest.NewRecorder()
	w := &committingWriter{ResponseWriter: res, commit: func() {
		require.NoError(t, f.sessions.Commit(ctx, res, req, sess))
	}}
	router.ServeHTTP(w, req)
	return res
}

type committingWriter struct {
	http.ResponseWriter
	commit  func()
	written bool
}

func (w *committingWriter) WriteHeader(status int) {
	if !w.written {
		w.written = true
		w.commit()
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *committingWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func sessionCookie(t *testing.T, res *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range res.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("cookie %s not set", name)
	return nil
}

// ============================================================================
// TESTS
// ============================================================================

func TestLoginIssuesTokenWithSnapshot(t *testing.T) {
	f := newAuthFixture(t, activeUser(t))

	res := f.serve(t, http.MethodPost, "/auth/login", map[string]string{
		"email": "user@test.local", "password": "correctpass",
	}, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	var body auth.LoginResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Token)
	assert.NotEmpty(t, body.CSRFToken)

	claims, err := f.tokens.Parse(body.Token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UID)
	assert.Equal(t, "org-1", claims.OrgID)
	assert.Equal(t, "sales_manager", claims.RoleID)
	require.True(t, claims.HasSnapshot())
	assert.True(t, claims.Permissions.Allows("sales", "leads", "view"))

	cookie := sessionCookie(t, res, f.sessions.CookieName())
	assert.Equal(t, "u-1", f.repo.sessions[cookie.Value])

	stored, err := f.sessions.Find(context.Background(), cookie.Value)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "u-1", stored.User())
	assert.Equal(t, "sales_manager", stored.Get(shared.SessionKeyRole))
}

func TestLoginInvalidCredentials(t *testing.T) {
	f := newAuthFixture(t, activeUser(t))

	res := f.serve(t, http.MethodPost, "/auth/login", map[string]string{
		"email": "user@test.local", "password": "wrongpass",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Empty(t, res.Result().Cookies(), "failed login must not persist a session")

	res = f.serve(t, http.MethodPost, "/auth/login", map[string]string{"email": "not-an-email"}, nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestLoginInactiveUser(t *testing.T) {
	user := activeUser(t)
	user.IsActive = false
	f := newAuthFixture(t, user)

	res := f.serve(t, http.MethodPost, "/auth/login", map[string]string{
		"email": "user@test.local", "password": "correctpass",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestLogoutDestroysSession(t *testing.T) {
	f := newAuthFixture(t, activeUser(t))

	res := f.serve(t, http.MethodPost, "/auth/login", map[string]string{
		"email": "user@test.local", "password": "correctpass",
	}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	cookie := sessionCookie(t, res, f.sessions.CookieName())

	res = f.serve(t, http.MethodPost, "/auth/logout", nil, cookie)
	assert.Equal(t, http.StatusNoContent, res.Code)

	stored, err := f.sessions.Find(context.Background(), cookie.Value)
	require.NoError(t, err)
	assert.Nil(t, stored)
	assert.NotContains(t, f.repo.sessions, cookie.Value)
}

func TestCSRFEndpoint(t *testing.T) {
	f := newAuthFixture(t, nil)

	res := f.serve(t, http.MethodGet, "/auth/csrf", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	token := res.Header().Get(shared.CSRFHeader)
	assert.NotEmpty(t, token)
	cookie := sessionCookie(t, res, f.sessions.CookieName())

	stored, err := f.sessions.Find(context.Background(), cookie.Value)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, token, stored.Get(shared.CSRFSessionKey))
}

func TestIssueTokenFallsBackToDefaultTenant(t *testing.T) {
	user := activeUser(t)
	user.OrganizationID = ""
	tokens := auth.NewTokenIssuer(auth.TokenConfig{Secret: "jwtsecret"})
	svc := auth.NewService(&stubRepo{user: user}, tokens, nil, nil)
	svc.UseDefaultTenant("org-default")

	token, _, claims, err := svc.IssueToken(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, "org-default", claims.OrgID)
	assert.False(t, claims.HasSnapshot())

	parsed, err := tokens.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "org-default", parsed.OrgID)
}
