package users

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/roles"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

// Handler manages user role assignment endpoints.
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

// MountRoutes registers assignment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.RequireAny(shared.PermUsersView)).Get("/", h.listUserRoles)
	r.With(h.rbac.RequireAny(shared.PermUserRolesEdit)).Post("/", h.assign)
	r.With(h.rbac.RequireAny(shared.PermUserRolesDelete)).Delete("/", h.revoke)
}

type userRolesResponse struct {
	UserID         string       `json:"userId"`
	OrganizationID string       `json:"organizationId"`
	Roles          []roles.Role `json:"roles"`
	Permissions    []string     `json:"permissions"`
}

func (h *Handler) listUserRoles(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	orgID, err := h.evaluator.TargetOrganization(rbac.ClaimsFromContext(r.Context()), query.Get("organizationId"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	userID := query.Get("userId")
	if userID == "" {
		list, err := h.service.ListAssignments(r.Context(), orgID)
		if err != nil {
			h.fail(w, "list assignments", err)
			return
		}
		if list == nil {
			list = []Assignment{}
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"organizationId": orgID, "assignments": list})
		return
	}

	assigned, err := h.service.GetUserRoles(r.Context(), userID, orgID)
	if err != nil {
		h.fail(w, "get user roles", err)
		return
	}
	perms, err := h.service.GetUserPermissions(r.Context(), userID, orgID)
	if err != nil {
		h.fail(w, "get user permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, userRolesResponse{UserID: userID, OrganizationID: orgID, Roles: assigned, Permissions: perms})
}

func (h *Handler) decode(r *http.Request) (AssignmentInput, error) {
	var input AssignmentInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		return input, err
	}
	orgID, err := h.evaluator.TargetOrganization(rbac.ClaimsFromContext(r.Context()), input.OrganizationID)
	if err != nil {
		return input, err
	}
	input.OrganizationID = orgID
	return input, nil
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	input, err := h.decode(r)
	if err != nil {
		h.fail(w, "assign role", err)
		return
	}
	actor := rbac.ClaimsFromContext(r.Context()).UID
	assigned, err := h.service.AssignUserRole(r.Context(), actor, input)
	if err != nil {
		h.fail(w, "assign role", err)
		return
	}
	status := http.StatusOK
	if assigned {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, map[string]any{"assigned": assigned, "assignment": input})
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	input, err := h.decode(r)
	if err != nil {
		h.fail(w, "revoke role", err)
		return
	}
	actor := rbac.ClaimsFromContext(r.Context()).UID
	revoked, err := h.service.RevokeUserRole(r.Context(), actor, input)
	if err != nil {
		h.fail(w, "revoke role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"revoked": revoked, "assignment": input})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondValidation(w, err)
}
