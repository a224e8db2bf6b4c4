package auth

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, sessions *shared.SessionManager, csrf *shared.CSRFManager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		service:        service,
		sessionManager: sessions,
		csrfManager:    csrf,
		validator:      validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/csrf", h.handleCSRF)
	r.Get("/me", h.handleMe)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondValidation(w, err)
		return
	}

	user, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid email or password")
		return
	}
	token, expiresAt, claims, err := h.service.IssueToken(r.Context(), user)
	if err != nil {
		h.logger.Error("issue token", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	resp := LoginResponse{Token: token, ExpiresAt: expiresAt, Claims: claims}
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.SetIdentity(user.ID, user.Email, user.OrganizationID, user.RoleID)
		sessionID := sess.EnsureID()
		if h.csrfManager != nil {
			if csrf, err := h.csrfManager.Rotate(r.Context(), sess); err == nil {
				resp.CSRFToken = csrf
			}
		}
		ttl := time.Hour
		if h.sessionManager != nil {
			ttl = h.sessionManager.TTL()
		}
		if err := h.service.RegisterSession(r.Context(), sessionID, user.ID, time.Now().Add(ttl), r.RemoteAddr, r.UserAgent()); err != nil {
			h.logger.Warn("register session", slog.Any("error", err))
		}
	}
	h.logger.Info("login", slog.String("user_id", user.ID), slog.String("org_id", user.OrganizationID))
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil && sess.ID != "" {
		if err := h.service.RemoveSession(r.Context(), sess.ID); err != nil {
			h.logger.Warn("remove session", slog.Any("error", err))
		}
		h.sessionManager.Destroy(sess)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCSRF(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || h.csrfManager == nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "session unavailable")
		return
	}
	sess.EnsureID()
	token, err := h.csrfManager.EnsureToken(r.Context(), sess)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.Header().Set(shared.CSRFHeader, token)
	httpx.JSON(w, http.StatusOK, map[string]string{"csrfToken": token})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := rbac.ClaimsFromContext(r.Context())
	if claims == nil {
		httpx.RespondError(w, rbac.ErrUnauthorized)
		return
	}
	httpx.JSON(w, http.StatusOK, claims)
}
