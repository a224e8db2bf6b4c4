package roles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/db"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// ErrDuplicate indicates a role id already in use.
var ErrDuplicate = fmt.Errorf("roles: role already exists: %w", httpx.ErrDuplicate)

const uniqueViolation = "23505"

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const roleColumns = `id, name, COALESCE(organization_id, ''), description, permissions, built_in, created_at, updated_at`

// ListRoles returns the roles visible inside orgID, shared roles first.
func (r *Repository) ListRoles(ctx context.Context, orgID string) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles
WHERE organization_id IS NULL OR organization_id = NULLIF($1, '')
ORDER BY built_in DESC, name, id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

// GetRole fetches a role visible inside orgID.
func (r *Repository) GetRole(ctx context.Context, orgID, id string) (*Role, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles
WHERE id = $1 AND (organization_id IS NULL OR organization_id = NULLIF($2, ''))`, id, orgID)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, rbac.ErrRoleNotFound
		}
		return nil, err
	}
	return &role, nil
}

// CreateRole inserts a new role.
func (r *Repository) CreateRole(ctx context.Context, role Role) (*Role, error) {
	perms, err := json.Marshal(role.Permissions)
	if err != nil {
		return nil, err
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO roles (id, name, organization_id, description, permissions, built_in)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
RETURNING `+roleColumns, role.ID, role.Name, role.OrganizationID, role.Description, perms, role.BuiltIn)
	created, err := scanRole(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return &created, nil
}

// UpdateRole replaces the mutable fields of a role owned by role.OrganizationID.
// Built-in roles are never matched.
func (r *Repository) UpdateRole(ctx context.Context, role Role) (*Role, error) {
	perms, err := json.Marshal(role.Permissions)
	if err != nil {
		return nil, err
	}
	row := r.pool.QueryRow(ctx, `UPDATE roles SET name = $3, description = $4, permissions = $5, updated_at = $6
WHERE id = $1 AND built_in = FALSE AND organization_id IS NOT DISTINCT FROM NULLIF($2, '')
RETURNING `+roleColumns, role.ID, role.OrganizationID, role.Name, role.Description, perms, time.Now().UTC())
	updated, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, rbac.ErrRoleNotFound
		}
		return nil, err
	}
	return &updated, nil
}

// DeleteRole removes a role and revokes its active assignments in one transaction.
func (r *Repository) DeleteRole(ctx context.Context, orgID, id string) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM roles
WHERE id = $1 AND built_in = FALSE AND organization_id IS NOT DISTINCT FROM NULLIF($2, '')`, id, orgID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return rbac.ErrRoleNotFound
		}
		_, err = tx.Exec(ctx, `UPDATE user_role_assignments SET revoked_at = NOW()
WHERE role_id = $1 AND revoked_at IS NULL`, id)
		return err
	})
}

func scanRole(row pgx.Row) (Role, error) {
	var (
		role  Role
		perms []byte
	)
	if err := row.Scan(&role.ID, &role.Name, &role.OrganizationID, &role.Description, &perms, &role.BuiltIn, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return Role{}, err
	}
	m, err := rbac.ParsePermissionMap(perms)
	if err != nil {
		return Role{}, fmt.Errorf("roles: decode permissions of %s: %w", role.ID, err)
	}
	role.Permissions = m
	return role, nil
}

var _ RepositoryPort = (*Repository)(nil)
