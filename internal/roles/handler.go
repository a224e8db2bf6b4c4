package roles

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

// Handler manages role management endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	evaluator *rbac.Evaluator
	rbac      rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, evaluator *rbac.Evaluator, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, evaluator: evaluator, rbac: rbac}
}

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.RoleListingScopes()...))
		r.Get("/", h.listRoles)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermRolesManage))
		r.Post("/", h.createRole)
		r.Get("/{roleId}", h.getRole)
		r.Put("/{roleId}", h.updateRole)
		r.Delete("/{roleId}", h.deleteRole)
	})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	claims := rbac.ClaimsFromContext(r.Context())
	orgID, err := h.evaluator.TargetOrganization(claims, r.URL.Query().Get("organizationId"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	roles, err := h.service.ListRoles(r.Context(), orgID)
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	if roles == nil {
		roles = []Role{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	claims := rbac.ClaimsFromContext(r.Context())
	orgID, err := h.evaluator.TargetOrganization(claims, r.URL.Query().Get("organizationId"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.GetRole(r.Context(), orgID, chi.URLParam(r, "roleId"))
	if err != nil {
		h.fail(w, "get role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	claims := rbac.ClaimsFromContext(r.Context())
	var input CreateRoleInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	orgID, err := h.evaluator.TargetOrganization(claims, input.OrganizationID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.OrganizationID = orgID
	role, err := h.service.CreateRole(r.Context(), claims.UID, input)
	if err != nil {
		h.fail(w, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	claims := rbac.ClaimsFromContext(r.Context())
	roleID := chi.URLParam(r, "roleId")
	if roleID == rbac.BuiltinAdminRole {
		httpx.RespondError(w, rbac.ErrImmutableRole)
		return
	}
	orgID, err := h.evaluator.TargetOrganization(claims, r.URL.Query().Get("organizationId"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var input UpdateRoleInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.UpdateRole(r.Context(), claims.UID, orgID, roleID, input)
	if err != nil {
		h.fail(w, "update role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	claims := rbac.ClaimsFromContext(r.Context())
	roleID := chi.URLParam(r, "roleId")
	if roleID == rbac.BuiltinAdminRole {
		httpx.RespondError(w, rbac.ErrImmutableRole)
		return
	}
	orgID, err := h.evaluator.TargetOrganization(claims, r.URL.Query().Get("organizationId"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.DeleteRole(r.Context(), claims.UID, orgID, roleID); err != nil {
		h.fail(w, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondValidation(w, err)
}
