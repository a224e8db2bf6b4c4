package policy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

// SyncEnqueuer schedules a background policy sync.
type SyncEnqueuer interface {
	EnqueuePolicySync(ctx context.Context, tenantID string) (string, error)
}

// Handler exposes decision and policy management endpoints.
type Handler struct {
	logger    *slog.Logger
	engine    Engine
	evaluator *rbac.Evaluator
	rbac      rbac.Middleware
	jobs      SyncEnqueuer
	validate  *validator.Validate
}

// NewHandler builds Handler. jobs may be nil, async sync is then refused.
func NewHandler(logger *slog.Logger, engine Engine, evaluator *rbac.Evaluator, rbac rbac.Middleware, jobs SyncEnqueuer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		engine:    engine,
		evaluator: evaluator,
		rbac:      rbac,
		jobs:      jobs,
		validate:  validator.New(),
	}
}

// MountCheck registers POST / for permission checks.
func (h *Handler) MountCheck(r chi.Router) {
	r.Post("/", h.checkPermission)
}

// MountPolicies registers policy management routes.
func (h *Handler) MountPolicies(r chi.Router) {
	r.With(h.rbac.RequireAny(shared.PermPoliciesView)).Get("/", h.exportPolicies)
	r.With(h.rbac.RequireAny(shared.PermPoliciesEdit)).Post("/", h.addPolicy)
	r.With(h.rbac.RequireAny(shared.PermPoliciesDelete)).Delete("/", h.removePolicy)
	r.With(h.rbac.RequireAny(shared.PermPoliciesEdit)).Post("/sync", h.syncPolicies)
}

type checkRequest struct {
	Action     string         `json:"action" validate:"required,max=64"`
	Resource   string         `json:"resource" validate:"required,max=200"`
	ResourceID string         `json:"resource_id" validate:"max=200"`
	Context    map[string]any `json:"context"`
}

type checkResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

const (
	reasonGranted = "granted"
	reasonDenied  = "denied"
)

func (h *Handler) checkPermission(w http.ResponseWriter, r *http.Request) {
	claims := rbac.ClaimsFromContext(r.Context())
	if claims == nil {
		httpx.RespondError(w, rbac.ErrUnauthorized)
		return
	}
	var req checkRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondValidation(w, err)
		return
	}

	requested, _ := req.Context["organizationId"].(string)
	allowed, err := h.decide(r.Context(), claims, requested, req)
	h.logger.Debug("permission decision",
		slog.String("principal", claims.UID),
		slog.String("resource", req.Resource),
		slog.String("resource_id", req.ResourceID),
		slog.String("action", req.Action),
		slog.String("org", firstNonEmpty(requested, claims.OrgID)),
		slog.String("engine", h.engine.Name()),
		slog.Bool("allowed", allowed),
		slog.Any("error", err))

	result := checkResult{Allowed: allowed, Reason: reasonDenied}
	if allowed {
		result.Reason = reasonGranted
	}
	httpx.JSON(w, http.StatusOK, result)
}

// decide never fails the request: backend errors collapse into the engine's
// degraded answer and everything else into a deny.
func (h *Handler) decide(ctx context.Context, claims *rbac.SessionClaims, requested string, req checkRequest) (bool, error) {
	if h.evaluator.IsSuperAdmin(claims) {
		return true, nil
	}
	orgID, err := h.evaluator.TargetOrganization(claims, requested)
	if err != nil {
		return false, err
	}
	allowed, err := h.engine.Evaluate(ctx, CheckFromClaims(claims, orgID, req.Resource, req.Action))
	if err != nil {
		if errors.Is(err, ErrPolicyBackendUnavailable) {
			return allowed, err
		}
		return false, err
	}
	return allowed, nil
}

func (h *Handler) exportPolicies(w http.ResponseWriter, r *http.Request) {
	orgID, err := h.evaluator.TargetOrganization(rbac.ClaimsFromContext(r.Context()), r.URL.Query().Get("organizationId"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	records, err := h.engine.ExportPolicies(r.Context(), orgID)
	if err != nil {
		h.fail(w, "export policies", err)
		return
	}
	if records == nil {
		records = []Record{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"organizationId": orgID, "policies": records})
}

func (h *Handler) decodeRecord(r *http.Request) (Record, error) {
	var record Record
	if err := httpx.DecodeAndValidate(r, h.validate, &record); err != nil {
		return Record{}, err
	}
	orgID, err := h.evaluator.TargetOrganization(rbac.ClaimsFromContext(r.Context()), record.OrganizationID)
	if err != nil {
		return Record{}, err
	}
	record.OrganizationID = orgID
	record = record.Normalize()
	return record, record.Validate()
}

func (h *Handler) addPolicy(w http.ResponseWriter, r *http.Request) {
	record, err := h.decodeRecord(r)
	if err != nil {
		h.fail(w, "add policy", err)
		return
	}
	added, err := h.engine.AddPolicy(r.Context(), record)
	if err != nil {
		h.fail(w, "add policy", err)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, map[string]any{"added": added, "policy": record})
}

func (h *Handler) removePolicy(w http.ResponseWriter, r *http.Request) {
	record, err := h.decodeRecord(r)
	if err != nil {
		h.fail(w, "remove policy", err)
		return
	}
	removed, err := h.engine.RemovePolicy(r.Context(), record)
	if err != nil {
		h.fail(w, "remove policy", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (h *Handler) syncPolicies(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	tenantID, err := h.evaluator.TargetOrganization(rbac.ClaimsFromContext(r.Context()), query.Get("tenantId"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if tenantID == "" {
		httpx.RespondError(w, rbac.ErrTenantRequired)
		return
	}
	async, _ := strconv.ParseBool(query.Get("async"))
	if async {
		if h.jobs == nil {
			httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "background jobs disabled")
			return
		}
		taskID, err := h.jobs.EnqueuePolicySync(r.Context(), tenantID)
		if err != nil {
			h.fail(w, "enqueue policy sync", err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]any{"enqueued": true, "taskId": taskID, "tenantId": tenantID})
		return
	}
	synced, err := h.engine.SyncPolicies(r.Context(), tenantID)
	if err != nil {
		h.fail(w, "sync policies", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"synced": synced, "tenantId": tenantID})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, ErrPolicyBackendUnavailable) {
		h.logger.Warn(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Bad Gateway", "policy backend unavailable")
		return
	}
	if httpx.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondValidation(w, err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
