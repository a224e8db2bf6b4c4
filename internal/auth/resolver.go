package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

// Resolver turns request credentials into session claims.
type Resolver struct {
	tokens   *TokenIssuer
	sessions *shared.SessionManager
	logger   *slog.Logger
}

// NewResolver builds a Resolver. Either source may be nil.
func NewResolver(tokens *TokenIssuer, sessions *shared.SessionManager, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{tokens: tokens, sessions: sessions, logger: logger}
}

// Resolve returns the verified claims of the request, or nil when no valid
// credential is present. A bearer token takes precedence over the session
// cookie; an invalid bearer token is not retried against the cookie.
func (res *Resolver) Resolve(r *http.Request) *rbac.SessionClaims {
	if raw, ok := bearerToken(r); ok {
		if res.tokens == nil {
			return nil
		}
		claims, err := res.tokens.Parse(raw)
		if err != nil {
			res.logger.Debug("reject bearer token", slog.Any("error", err))
			return nil
		}
		return claims
	}
	return res.fromSession(r)
}

func (res *Resolver) fromSession(r *http.Request) *rbac.SessionClaims {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil && res.sessions != nil {
		cookie, err := r.Cookie(res.sessions.CookieName())
		if err != nil {
			return nil
		}
		sess, err = res.sessions.Find(r.Context(), cookie.Value)
		if err != nil {
			res.logger.Warn("load session for claims", slog.Any("error", err))
			return nil
		}
	}
	if sess == nil || sess.User() == "" {
		return nil
	}
	return &rbac.SessionClaims{
		UID:    sess.User(),
		Email:  sess.Get(shared.SessionKeyEmail),
		OrgID:  sess.Get(shared.SessionKeyOrg),
		RoleID: sess.Get(shared.SessionKeyRole),
	}
}

// Middleware attaches resolved claims to the request context. Requests
// without credentials pass through untouched.
func (res *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims := res.Resolve(r); claims != nil {
			r = r.WithContext(rbac.ContextWithClaims(r.Context(), claims))
		}
		next.ServeHTTP(w, r)
	})
}

// HasBearer reports whether the request authenticates with a bearer token.
func HasBearer(r *http.Request) bool {
	_, ok := bearerToken(r)
	return ok
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, true
}
