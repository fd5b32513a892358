package pg

import (
	"context"
	"time"

	"github.com/federato/identity-core/internal/authz"
)

// roleStore implements authz.RoleStore on Postgres. Expiry is enforced
// in queries, so expired rows simply stop matching until vacuumed by a
// periodic cleanup.
type roleStore struct{ s *Store }

// Roles returns the durable role-assignment adapter.
func (s *Store) Roles() authz.RoleStore {
	return &roleStore{s: s}
}

func (r *roleStore) Assign(ctx context.Context, a authz.Assignment) error {
	if _, err := authz.ParseRole(string(a.Role)); err != nil {
		return err
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO role_assignment (did, role, assigned_at, assigned_by, expires_at)
VALUES ($1, $2, $3, NULLIF($4, ''), $5)
ON CONFLICT (did, role) DO UPDATE SET
    assigned_at = EXCLUDED.assigned_at,
    assigned_by = EXCLUDED.assigned_by,
    expires_at  = EXCLUDED.expires_at;`
	_, err := r.s.pool.Exec(ctx, q, a.DID, a.Role, a.AssignedAt, a.AssignedBy, a.ExpiresAt)
	return err
}

func (r *roleStore) Revoke(ctx context.Context, did string, role authz.Role) error {
	const q = `DELETE FROM role_assignment WHERE did = $1 AND role = $2;`
	tag, err := r.s.pool.Exec(ctx, q, did, role)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return authz.ErrRoleNotAssigned
	}
	return nil
}

func (r *roleStore) RolesFor(ctx context.Context, did string) ([]authz.Role, error) {
	const q = `
SELECT role
FROM role_assignment
WHERE did = $1 AND (expires_at IS NULL OR expires_at > now())
ORDER BY role;`
	rows, err := r.s.pool.Query(ctx, q, did)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []authz.Role
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		out = append(out, authz.Role(role))
	}
	return out, rows.Err()
}

func (r *roleStore) AssignmentsFor(ctx context.Context, did string) ([]authz.Assignment, error) {
	const q = `
SELECT did, role, assigned_at, COALESCE(assigned_by, ''), expires_at
FROM role_assignment
WHERE did = $1 AND (expires_at IS NULL OR expires_at > now())
ORDER BY role;`
	rows, err := r.s.pool.Query(ctx, q, did)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []authz.Assignment
	for rows.Next() {
		var a authz.Assignment
		if err := rows.Scan(&a.DID, &a.Role, &a.AssignedAt, &a.AssignedBy, &a.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
