package roles

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/civicore/civicore/internal/authz"
)

// Repository provides PostgreSQL backed persistence for roles. The version
// column guards optimistic-concurrency writes; the in-memory RoleStore is
// hydrated from here at startup.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListRoles returns all roles including deactivated ones.
func (r *Repository) ListRoles(ctx context.Context) ([]authz.Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, scope, permissions, version, deactivated FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []authz.Role
	for rows.Next() {
		var role authz.Role
		var scope string
		if err := rows.Scan(&role.ID, &role.Name, &scope, &role.Permissions, &role.Version, &role.Deactivated); err != nil {
			return nil, err
		}
		role.Scope = authz.Scope(scope)
		out = append(out, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReplacePermissions persists a full permission-set replacement when the
// stored version still matches.
func (r *Repository) ReplacePermissions(ctx context.Context, roleID string, permissions []string, expectedVersion int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE roles SET permissions = $1, version = version + 1, updated_at = NOW()
WHERE id = $2 AND version = $3`, permissions, roleID, expectedVersion)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		var current int64
		if err := r.pool.QueryRow(ctx, `SELECT version FROM roles WHERE id = $1`, roleID).Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return 0, fmt.Errorf("%w: role %q", authz.ErrNotFound, roleID)
			}
			return 0, err
		}
		return 0, fmt.Errorf("%w: role %q at version %d, expected %d", authz.ErrVersionConflict, roleID, current, expectedVersion)
	}
	return expectedVersion + 1, nil
}

// Deactivate soft-deactivates a role when the stored version still matches.
func (r *Repository) Deactivate(ctx context.Context, roleID string, expectedVersion int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE roles SET deactivated = TRUE, version = version + 1, updated_at = NOW()
WHERE id = $1 AND version = $2`, roleID, expectedVersion)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		var current int64
		if err := r.pool.QueryRow(ctx, `SELECT version FROM roles WHERE id = $1`, roleID).Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return 0, fmt.Errorf("%w: role %q", authz.ErrNotFound, roleID)
			}
			return 0, err
		}
		return 0, fmt.Errorf("%w: role %q at version %d, expected %d", authz.ErrVersionConflict, roleID, current, expectedVersion)
	}
	return expectedVersion + 1, nil
}
