package rbac

import "context"

type claimsContextKey struct{}

// ContextWithClaims stores the resolved claims in context.
func ContextWithClaims(ctx context.Context, claims *SessionClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext extracts the claims from context, nil when absent.
func ClaimsFromContext(ctx context.Context) *SessionClaims {
	claims, _ := ctx.Value(claimsContextKey{}).(*SessionClaims)
	return claims
}
