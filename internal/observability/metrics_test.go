package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()

	decisions := NewDecisionMetrics(metrics.Registerer())
	decisions.ObserveDecision("mock", true, time.Now())
	decisions.CacheMiss()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	metrics.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, `odyssey_authz_decisions_total{engine="mock",outcome="allow"} 1`) {
		t.Fatalf("expected decision counter, got: %s", body)
	}
	if !strings.Contains(body, `odyssey_authz_cache_lookups_total{result="miss"} 1`) {
		t.Fatalf("expected cache counter, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	metricsRR := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(metricsRR, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	metricsBody := metricsRR.Body.String()
	if !strings.Contains(metricsBody, "http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", metricsBody)
	}
	if !strings.Contains(metricsBody, "http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", metricsBody)
	}
}

func TestMetricsMiddlewareCountsRejections(t *testing.T) {
	metrics := NewMetrics()

	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/roles", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("as") {
		case "anon":
			w.WriteHeader(http.StatusUnauthorized)
		case "clerk":
			w.WriteHeader(http.StatusForbidden)
		case "burst":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusOK)
		}
	})

	for _, as := range []string{"anon", "clerk", "clerk", "burst", "admin"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/roles?as="+as, nil))
	}

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()

	for _, want := range []string{
		`odyssey_authz_http_rejections_total{reason="unauthenticated",route="/roles"} 1`,
		`odyssey_authz_http_rejections_total{reason="forbidden",route="/roles"} 2`,
		`odyssey_authz_http_rejections_total{reason="throttled",route="/roles"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q, got: %s", want, body)
		}
	}
}

func TestDecisionMetricsNilSafe(t *testing.T) {
	var m *DecisionMetrics
	m.ObserveDecision("mock", false, time.Time{})
	m.CacheHit()
	m.CacheMiss()
	m.BackendError("external")
}
