package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
)

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Evaluator *Evaluator
	Logger    *slog.Logger
}

// Require ensures the caller holds module/submodule/action.
func (m Middleware) Require(module, submodule, action string) func(http.Handler) http.Handler {
	return m.RequireAny(Key{Module: module, Submodule: submodule, Action: action}.String())
}

// RequireAny ensures the caller holds at least one of the permission keys.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	required := parsePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				httpx.RespondError(w, ErrUnauthorized)
				return
			}
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			var lastErr error
			for _, key := range required {
				err := m.Evaluator.AssertPermission(r.Context(), claims, key.Module, key.Submodule, key.Action)
				if err == nil {
					next.ServeHTTP(w, r)
					return
				}
				lastErr = err
			}
			m.deny(w, lastErr)
		})
	}
}

func (m Middleware) deny(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		httpx.RespondError(w, ErrUnauthorized)
	case IsDenial(err):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "permission denied")
	default:
		if m.Logger != nil {
			m.Logger.Error("rbac require", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
	}
}

func parsePermissions(perms []string) []Key {
	seen := make(map[Key]struct{}, len(perms))
	keys := make([]Key, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		key, err := ParseKey(p)
		if err != nil {
			panic("rbac: invalid permission " + p)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}
