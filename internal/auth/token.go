package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// ErrInvalidToken is returned for malformed, expired or foreign tokens.
var ErrInvalidToken = errors.New("invalid token")

// TokenConfig configures bearer token signing.
type TokenConfig struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

type tokenClaims struct {
	UID         string             `json:"uid"`
	Email       string             `json:"email,omitempty"`
	OrgID       string             `json:"orgId,omitempty"`
	RoleID      string             `json:"roleId,omitempty"`
	Permissions rbac.PermissionMap `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 bearer tokens carrying session claims.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer builds a TokenIssuer. A zero TTL defaults to fifteen minutes.
func NewTokenIssuer(cfg TokenConfig) *TokenIssuer {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenIssuer{secret: []byte(cfg.Secret), issuer: cfg.Issuer, ttl: ttl, now: time.Now}
}

// Issue signs claims and returns the token with its expiry.
func (t *TokenIssuer) Issue(claims *rbac.SessionClaims) (string, time.Time, error) {
	if claims == nil || claims.UID == "" {
		return "", time.Time{}, fmt.Errorf("issue token: %w", ErrInvalidToken)
	}
	now := t.now().UTC()
	expires := now.Add(t.ttl)
	tc := tokenClaims{
		UID:         claims.UID,
		Email:       claims.Email,
		OrgID:       claims.OrgID,
		RoleID:      claims.RoleID,
		Permissions: claims.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   claims.UID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Parse verifies the token signature, issuer and expiry.
func (t *TokenIssuer) Parse(raw string) (*rbac.SessionClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}
	var tc tokenClaims
	token, err := jwt.ParseWithClaims(raw, &tc, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return t.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	uid := tc.UID
	if uid == "" {
		uid = tc.Subject
	}
	if uid == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	return &rbac.SessionClaims{
		UID:         uid,
		Email:       tc.Email,
		OrgID:       tc.OrgID,
		RoleID:      tc.RoleID,
		Permissions: tc.Permissions,
	}, nil
}
