package users

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

const uniqueViolation = "23505"

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const assignmentColumns = `id, user_id, role_id, organization_id, COALESCE(assigned_by, ''), assigned_at, revoked_at`

// ActiveAssignment returns the live edge for the triple, or nil when none exists.
func (r *Repository) ActiveAssignment(ctx context.Context, userID, roleID, orgID string) (*Assignment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM user_role_assignments
WHERE user_id = $1 AND role_id = $2 AND organization_id = $3 AND revoked_at IS NULL`, userID, roleID, orgID)
	a, err := scanAssignment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Insert stores a fresh edge. A concurrent active duplicate yields ErrAlreadyAssigned.
func (r *Repository) Insert(ctx context.Context, a Assignment) (*Assignment, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO user_role_assignments (id, user_id, role_id, organization_id, assigned_by, assigned_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
RETURNING `+assignmentColumns, a.ID, a.UserID, a.RoleID, a.OrganizationID, a.AssignedBy, a.AssignedAt)
	created, err := scanAssignment(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrAlreadyAssigned
		}
		return nil, err
	}
	return &created, nil
}

// Revoke closes the live edge for the triple. It returns nil when nothing was active.
func (r *Repository) Revoke(ctx context.Context, userID, roleID, orgID string, at time.Time) (*Assignment, error) {
	row := r.pool.QueryRow(ctx, `UPDATE user_role_assignments SET revoked_at = $4
WHERE user_id = $1 AND role_id = $2 AND organization_id = $3 AND revoked_at IS NULL
RETURNING `+assignmentColumns, userID, roleID, orgID, at)
	a, err := scanAssignment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListActive returns the live edges of a user inside orgID, oldest first.
func (r *Repository) ListActive(ctx context.Context, userID, orgID string) ([]Assignment, error) {
	return r.query(ctx, `SELECT `+assignmentColumns+` FROM user_role_assignments
WHERE user_id = $1 AND organization_id = $2 AND revoked_at IS NULL
ORDER BY assigned_at, id`, userID, orgID)
}

// ListByOrganization returns the live edges inside orgID.
func (r *Repository) ListByOrganization(ctx context.Context, orgID string) ([]Assignment, error) {
	return r.query(ctx, `SELECT `+assignmentColumns+` FROM user_role_assignments
WHERE organization_id = $1 AND revoked_at IS NULL
ORDER BY user_id, assigned_at, id`, orgID)
}

// ListBindings returns the live edges of orgID as policy bindings.
func (r *Repository) ListBindings(ctx context.Context, orgID string) ([]rbac.Binding, error) {
	list, err := r.ListByOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	out := make([]rbac.Binding, 0, len(list))
	for _, a := range list {
		out = append(out, a.Binding())
	}
	return out, nil
}

// ListOrganizations returns every organization owning roles or live assignments.
func (r *Repository) ListOrganizations(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT organization_id FROM user_role_assignments WHERE revoked_at IS NULL
UNION
SELECT organization_id FROM roles WHERE organization_id IS NOT NULL
ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) query(ctx context.Context, sql string, args ...any) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanAssignment(row pgx.Row) (Assignment, error) {
	var a Assignment
	err := row.Scan(&a.ID, &a.UserID, &a.RoleID, &a.OrganizationID, &a.AssignedBy, &a.AssignedAt, &a.RevokedAt)
	return a, err
}
