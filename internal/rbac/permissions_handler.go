package rbac

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
)

// PermissionsHandler exposes the caller's resolved permission map.
type PermissionsHandler struct {
	logger    *slog.Logger
	evaluator *Evaluator
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(logger *slog.Logger, evaluator *Evaluator) *PermissionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PermissionsHandler{logger: logger, evaluator: evaluator}
}

// MountRoutes registers permission routes.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Get("/", h.getPermissions)
}

type permissionsResponse struct {
	UserID         string        `json:"userId"`
	OrganizationID string        `json:"organizationId,omitempty"`
	RoleID         string        `json:"roleId"`
	SuperAdmin     bool          `json:"superAdmin"`
	Permissions    PermissionMap `json:"permissions"`
	Granted        []string      `json:"granted"`
}

func (h *PermissionsHandler) getPermissions(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		httpx.RespondError(w, ErrUnauthorized)
		return
	}
	if strings.TrimSpace(claims.RoleID) == "" {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "no role assigned")
		return
	}
	perms, err := h.evaluator.ResolvePermissions(r.Context(), claims)
	if err != nil {
		if IsDenial(err) {
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "no role assigned")
			return
		}
		h.logger.Error("resolve permissions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, permissionsResponse{
		UserID:         claims.UID,
		OrganizationID: claims.OrgID,
		RoleID:         claims.RoleID,
		SuperAdmin:     h.evaluator.IsSuperAdmin(claims),
		Permissions:    perms,
		Granted:        perms.AllowedKeys(),
	})
}
