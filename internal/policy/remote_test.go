package policy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// ============================================================================
// FAKE POLICY SERVICE
// ============================================================================

type fakePDP struct {
	mu       sync.Mutex
	policies map[Record]struct{}
	bindings map[bindingRecord]struct{}
	roles    map[string][]Record
	schema   string
	allow    map[string]bool

	checks  atomic.Int32
	status  atomic.Int32
	delay   time.Duration
	authErr atomic.Int32
}

func newFakePDP() *fakePDP {
	return &fakePDP{
		policies: map[Record]struct{}{},
		bindings: map[bindingRecord]struct{}{},
		roles:    map[string][]Record{},
		allow:    map[string]bool{},
	}
}

func (f *fakePDP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer test-key" {
		f.authErr.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if code := f.status.Load(); code != 0 {
		w.WriteHeader(int(code))
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == "/health":
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/v1/check":
		f.checks.Add(1)
		if f.delay > 0 {
			f.mu.Unlock()
			time.Sleep(f.delay)
			f.mu.Lock()
		}
		var req remoteCheck
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, remoteDecision{Allowed: f.allow[req.Principal+"|"+req.Resource+"|"+req.Action]})
	case r.URL.Path == "/v1/schema":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.schema = body["schema"]
	case r.URL.Path == "/v1/policies" && r.Method == http.MethodGet:
		var out []Record
		for rec := range f.policies {
			if rec.OrganizationID == r.URL.Query().Get("organizationId") {
				out = append(out, rec)
			}
		}
		writeJSON(w, exportResponse{Policies: out})
	case r.URL.Path == "/v1/policies":
		var rec Record
		_ = json.NewDecoder(r.Body).Decode(&rec)
		_, exists := f.policies[rec]
		if r.Method == http.MethodPost {
			f.policies[rec] = struct{}{}
			writeJSON(w, mutationResponse{Changed: !exists})
			return
		}
		delete(f.policies, rec)
		writeJSON(w, mutationResponse{Changed: exists})
	case r.URL.Path == "/v1/bindings" && r.Method == http.MethodGet:
		var out bindingsResponse
		for b := range f.bindings {
			out.Bindings = append(out.Bindings, b)
		}
		writeJSON(w, out)
	case r.URL.Path == "/v1/bindings":
		var b bindingRecord
		_ = json.NewDecoder(r.Body).Decode(&b)
		if r.Method == http.MethodPost {
			f.bindings[b] = struct{}{}
		} else {
			delete(f.bindings, b)
		}
	default:
		var def roleDefinition
		_ = json.NewDecoder(r.Body).Decode(&def)
		f.roles[r.URL.Path] = def.Permissions
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newRemote(t *testing.T, pdp *fakePDP, cfg RemoteConfig, store *memoryRoles, bindings BindingSource) (*RemotePolicyEngine, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(pdp)
	t.Cleanup(server.Close)
	cfg.BaseURL = server.URL
	if cfg.APIKey == "" {
		cfg.APIKey = "test-key"
	}
	var roles RoleSource
	if store != nil {
		roles = store
	}
	engine, err := NewRemotePolicyEngine(cfg, roles, bindings, nil)
	require.NoError(t, err)
	return engine, server
}

// ============================================================================
// TESTS
// ============================================================================

func TestRemoteEvaluate(t *testing.T) {
	pdp := newFakePDP()
	pdp.allow["user:u1|sales:leads|view"] = true
	engine, _ := newRemote(t, pdp, RemoteConfig{}, nil, nil)
	ctx := context.Background()

	allowed, err := engine.Evaluate(ctx, check("u1", "sales_manager", "org-1", "sales/leads", "view"))
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = engine.Evaluate(ctx, check("u1", "sales_manager", "org-1", "sales:leads", "edit"))
	require.NoError(t, err)
	assert.False(t, allowed)

	require.NoError(t, engine.Ping(ctx))
	assert.Zero(t, pdp.authErr.Load())
}

func TestRemoteCachedDecisionsHitBackendOnce(t *testing.T) {
	pdp := newFakePDP()
	pdp.allow["user:u1|sales:leads|view"] = true
	remote, _ := newRemote(t, pdp, RemoteConfig{}, nil, nil)
	engine := NewCachedEngine(remote, NewMemoryDecisionCache(10, time.Minute), nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, err := engine.Evaluate(ctx, check("u1", "sales_manager", "org-1", "sales:leads", "view"))
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	assert.Equal(t, int32(1), pdp.checks.Load())
}

func TestRemoteCoalescesConcurrentChecks(t *testing.T) {
	pdp := newFakePDP()
	pdp.delay = 50 * time.Millisecond
	pdp.allow["user:u1|sales:leads|view"] = true
	remote, _ := newRemote(t, pdp, RemoteConfig{}, nil, nil)
	engine := NewCachedEngine(remote, NewMemoryDecisionCache(10, time.Minute), nil, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed, err := engine.Evaluate(context.Background(), check("u1", "sales_manager", "org-1", "sales:leads", "view"))
			assert.NoError(t, err)
			assert.True(t, allowed)
		}()
	}
	wg.Wait()
	assert.Less(t, pdp.checks.Load(), int32(5))
}

func TestRemoteBackendFailure(t *testing.T) {
	t.Run("fail closed", func(t *testing.T) {
		pdp := newFakePDP()
		pdp.allow["user:u1|sales:leads|view"] = true
		remote, _ := newRemote(t, pdp, RemoteConfig{}, nil, nil)
		engine := NewCachedEngine(remote, NewMemoryDecisionCache(10, time.Minute), nil, nil, nil)
		ctx := context.Background()

		pdp.status.Store(http.StatusInternalServerError)
		allowed, err := engine.Evaluate(ctx, check("u1", "sales_manager", "org-1", "sales:leads", "view"))
		assert.ErrorIs(t, err, ErrPolicyBackendUnavailable)
		assert.False(t, allowed)

		pdp.status.Store(0)
		allowed, err = engine.Evaluate(ctx, check("u1", "sales_manager", "org-1", "sales:leads", "view"))
		require.NoError(t, err)
		assert.True(t, allowed, "failure must not be cached")
	})

	t.Run("fail open", func(t *testing.T) {
		pdp := newFakePDP()
		pdp.status.Store(http.StatusServiceUnavailable)
		engine, _ := newRemote(t, pdp, RemoteConfig{FailOpen: true}, nil, nil)

		allowed, err := engine.Evaluate(context.Background(), check("u1", "sales_manager", "org-1", "sales:leads", "view"))
		assert.ErrorIs(t, err, ErrPolicyBackendUnavailable)
		assert.True(t, allowed)
	})

	t.Run("timeout", func(t *testing.T) {
		pdp := newFakePDP()
		pdp.delay = 200 * time.Millisecond
		engine, _ := newRemote(t, pdp, RemoteConfig{Timeout: 20 * time.Millisecond}, nil, nil)

		allowed, err := engine.Evaluate(context.Background(), check("u1", "sales_manager", "org-1", "sales:leads", "view"))
		assert.ErrorIs(t, err, ErrPolicyBackendUnavailable)
		assert.False(t, allowed)
	})

	t.Run("wrong key", func(t *testing.T) {
		pdp := newFakePDP()
		engine, _ := newRemote(t, pdp, RemoteConfig{APIKey: "nope"}, nil, nil)

		_, err := engine.AddPolicy(context.Background(), Record{Subject: "user:u1", OrganizationID: "org-1", Resource: "sales", Action: "view"})
		assert.ErrorIs(t, err, ErrPolicyBackendUnavailable)
		assert.Equal(t, int32(1), pdp.authErr.Load())
	})
}

func TestRemotePolicyMutations(t *testing.T) {
	pdp := newFakePDP()
	engine, _ := newRemote(t, pdp, RemoteConfig{}, nil, nil)
	ctx := context.Background()
	rec := Record{Subject: "user:u1", OrganizationID: "org-1", Resource: "sales/leads", Action: "view"}

	added, err := engine.AddPolicy(ctx, rec)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = engine.AddPolicy(ctx, rec)
	require.NoError(t, err)
	assert.False(t, added)

	records, err := engine.ExportPolicies(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, EffectAllow, records[0].Effect)

	removed, err := engine.RemovePolicy(ctx, rec)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = engine.AddPolicy(ctx, Record{Subject: "user:u1", Resource: "sales", Action: "view"})
	assert.ErrorIs(t, err, ErrInvalidPolicyRule)
}

func TestRemoteSyncIsIdempotent(t *testing.T) {
	pdp := newFakePDP()
	bindings := &memoryBindings{bindings: []rbac.Binding{
		{UserID: "u1", RoleID: "sales_manager", OrganizationID: "org-1"},
		{UserID: "u9", RoleID: "warehouse", OrganizationID: "org-2"},
	}}
	engine, _ := newRemote(t, pdp, RemoteConfig{}, salesRoles(), bindings)
	ctx := context.Background()

	ok, err := engine.SyncPolicies(ctx, "org-1")
	require.NoError(t, err)
	require.True(t, ok)

	pdp.mu.Lock()
	firstPolicies := len(pdp.policies)
	firstBindings := len(pdp.bindings)
	assert.Equal(t, Schema, pdp.schema)
	assert.Contains(t, pdp.roles, "/v1/roles/org-1/sales_manager")
	pdp.mu.Unlock()
	assert.Equal(t, 3, firstPolicies)
	assert.Equal(t, 1, firstBindings)

	ok, err = engine.SyncPolicies(ctx, "org-1")
	require.NoError(t, err)
	require.True(t, ok)

	pdp.mu.Lock()
	defer pdp.mu.Unlock()
	assert.Len(t, pdp.policies, firstPolicies)
	assert.Len(t, pdp.bindings, firstBindings)
	assert.Contains(t, pdp.bindings, bindingRecord{Subject: "user:u1", Role: "role:sales_manager", OrganizationID: "org-1"})
}

func TestRemoteRequiresConfiguration(t *testing.T) {
	_, err := NewRemotePolicyEngine(RemoteConfig{BaseURL: "http://pdp"}, nil, nil, nil)
	assert.Error(t, err)
	_, err = NewRemotePolicyEngine(RemoteConfig{APIKey: "k"}, nil, nil, nil)
	assert.Error(t, err)
}
