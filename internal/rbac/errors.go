package rbac

import (
	"errors"
	"fmt"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
)

// Sentinel errors surfaced by the evaluator. Each wraps the httpx sentinel
// matching its HTTP status so handlers can use httpx.RespondError directly.
var (
	ErrUnauthorized         = fmt.Errorf("rbac: unauthorized: %w", httpx.ErrUnauthorized)
	ErrPermissionDenied     = fmt.Errorf("rbac: permission denied: %w", httpx.ErrForbidden)
	ErrTenantRequired       = fmt.Errorf("rbac: organization context required: %w", httpx.ErrForbidden)
	ErrRoleNotFound         = fmt.Errorf("rbac: role not found: %w", httpx.ErrNotFound)
	ErrImmutableRole        = fmt.Errorf("rbac: built-in role is immutable: %w", httpx.ErrForbidden)
	ErrInvalidPermissionMap = fmt.Errorf("rbac: invalid permission map: %w", httpx.ErrValidation)
)

// IsDenial reports whether err is one of the expected authorization outcomes
// rather than an infrastructure failure.
func IsDenial(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrTenantRequired) ||
		errors.Is(err, ErrRoleNotFound)
}
