package auth

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

// PermissionResolver computes the permission snapshot embedded in tokens.
type PermissionResolver interface {
	ResolvePermissions(ctx context.Context, claims *rbac.SessionClaims) (rbac.PermissionMap, error)
}

// Service wraps authentication business rules.
type Service struct {
	repo     Repository
	tokens   *TokenIssuer
	resolver PermissionResolver
	tenant   string
	logger   *slog.Logger
}

// NewService constructs a new Service. resolver may be nil, in which case
// tokens carry no permission snapshot.
func NewService(repo Repository, tokens *TokenIssuer, resolver PermissionResolver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, tokens: tokens, resolver: resolver, logger: logger}
}

// UseDefaultTenant sets the organization placed in claims of users that have
// no home organization.
func (s *Service) UseDefaultTenant(orgID string) {
	s.tenant = strings.TrimSpace(orgID)
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// IssueToken signs a bearer token for the user. When a resolver is wired the
// resolved permission map is embedded so later checks skip the role store.
func (s *Service) IssueToken(ctx context.Context, user *User) (string, time.Time, *rbac.SessionClaims, error) {
	claims := user.Claims()
	if claims.OrgID == "" {
		claims.OrgID = s.tenant
	}
	if s.resolver != nil && claims.RoleID != "" {
		perms, err := s.resolver.ResolvePermissions(ctx, claims)
		switch {
		case err == nil:
			claims.Permissions = perms
		case rbac.IsDenial(err):
		default:
			s.logger.Warn("resolve permission snapshot", slog.String("user_id", user.ID), slog.Any("error", err))
		}
	}
	token, expires, err := s.tokens.Issue(claims)
	if err != nil {
		return "", time.Time{}, nil, err
	}
	return token, expires, claims, nil
}

// RegisterSession persists the session metadata in postgres.
func (s *Service) RegisterSession(ctx context.Context, id, userID string, expiresAt time.Time, ip, ua string) error {
	return s.repo.CreateSession(ctx, id, userID, expiresAt, ip, ua)
}

// RemoveSession deletes a session record from postgres.
func (s *Service) RemoveSession(ctx context.Context, id string) error {
	return s.repo.DeleteSession(ctx, id)
}
