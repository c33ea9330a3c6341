package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/role/entity"
	"github.com/ovaphlow/pitchfork/service-crm-auth/pkg/database"
)

// UnknownKeysError lists permission keys that have no row in `permissions`.
type UnknownKeysError struct {
	Keys []string
}

func (e *UnknownKeysError) Error() string {
	return "unknown permission keys: " + strings.Join(e.Keys, ", ")
}

// RoleRepo provides data access for roles, permissions and role_permissions.
type RoleRepo struct {
	db *sqlx.DB
}

func NewRoleRepo(db *sqlx.DB) *RoleRepo { return &RoleRepo{db: db} }

// EnsureTable creates the role tables if they do not exist (idempotent).
func (r *RoleRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS roles (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  description TEXT,
  is_active BOOLEAN NOT NULL DEFAULT true,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_name_lower ON roles(lower(name));
CREATE TABLE IF NOT EXISTS permissions (
  id BIGSERIAL PRIMARY KEY,
  key TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS role_permissions (
  role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
  permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  PRIMARY KEY (role_id, permission_id)
);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// SeedRoles inserts the given roles by id when missing and moves the id
// sequence past them. Existing rows are left untouched.
func (r *RoleRepo) SeedRoles(ctx context.Context, roles []entity.Role) error {
	if len(roles) == 0 {
		return nil
	}
	return database.InTx(ctx, r.db, func(tx *sqlx.Tx) error {
		for _, role := range roles {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO roles (id, name, description) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
				role.ID, role.Name, role.Description); err != nil {
				return fmt.Errorf("seed role %s: %w", role.Name, err)
			}
		}
		_, err := tx.ExecContext(ctx,
			`SELECT setval(pg_get_serial_sequence('roles', 'id'), GREATEST((SELECT MAX(id) FROM roles), 1))`)
		return err
	})
}

// SeedCatalog inserts missing permissions and gives each role in grants its
// keys, but only when that role has no grants yet.
func (r *RoleRepo) SeedCatalog(ctx context.Context, perms []entity.Permission, grants map[int64][]string) error {
	return database.InTx(ctx, r.db, func(tx *sqlx.Tx) error {
		for _, p := range perms {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO permissions (key, name) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
				p.Key, p.Name); err != nil {
				return fmt.Errorf("seed permission %s: %w", p.Key, err)
			}
		}
		ids := make([]int64, 0, len(grants))
		for id := range grants {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO role_permissions (role_id, permission_id)
SELECT $1, p.id FROM permissions p
WHERE p.key = ANY($2)
  AND NOT EXISTS (SELECT 1 FROM role_permissions WHERE role_id = $1)`,
				id, pq.Array(grants[id])); err != nil {
				return fmt.Errorf("seed grants of role %d: %w", id, err)
			}
		}
		return nil
	})
}

const roleColumns = `id, name, description, is_active, created_at, updated_at`

// GetByID returns a role or sql.ErrNoRows.
func (r *RoleRepo) GetByID(ctx context.Context, id int64) (*entity.Role, error) {
	var row entity.Role
	if err := r.db.GetContext(ctx, &row, `SELECT `+roleColumns+` FROM roles WHERE id=$1`, id); err != nil {
		return nil, err
	}
	return &row, nil
}

// List returns every role ordered by id.
func (r *RoleRepo) List(ctx context.Context) ([]entity.Role, error) {
	var rows []entity.Role
	if err := r.db.SelectContext(ctx, &rows, `SELECT `+roleColumns+` FROM roles ORDER BY id`); err != nil {
		return nil, err
	}
	return rows, nil
}

// PermissionKeys returns the keys granted to a role, sorted.
func (r *RoleRepo) PermissionKeys(ctx context.Context, roleID int64) ([]string, error) {
	const q = `SELECT p.key FROM role_permissions rp
	  JOIN permissions p ON p.id = rp.permission_id
	 WHERE rp.role_id=$1 ORDER BY p.key`
	keys := []string{}
	if err := r.db.SelectContext(ctx, &keys, q, roleID); err != nil {
		return nil, err
	}
	return keys, nil
}

// Create inserts a role and returns its id. A duplicate name surfaces as a
// postgres unique violation.
func (r *RoleRepo) Create(ctx context.Context, name string, description *string) (int64, error) {
	const q = `INSERT INTO roles (name, description) VALUES ($1, $2) RETURNING id`
	var id int64
	if err := r.db.QueryRowxContext(ctx, q, name, description).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// ReplacePermissions swaps the whole grant set of a role in one transaction,
// so the role never holds a partial set. Returns sql.ErrNoRows when the role
// does not exist and *UnknownKeysError when a key has no permission row.
func (r *RoleRepo) ReplacePermissions(ctx context.Context, roleID int64, keys []string) error {
	return database.InTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var locked int64
		if err := tx.GetContext(ctx, &locked, `SELECT id FROM roles WHERE id=$1 FOR UPDATE`, roleID); err != nil {
			return err
		}

		ids := []int64{}
		if len(keys) > 0 {
			var found []entity.Permission
			if err := tx.SelectContext(ctx, &found, `SELECT id, key, name, created_at FROM permissions WHERE key = ANY($1)`, pq.Array(keys)); err != nil {
				return fmt.Errorf("resolve permissions: %w", err)
			}
			if missing := missingKeys(keys, found); len(missing) > 0 {
				return &UnknownKeysError{Keys: missing}
			}
			for _, p := range found {
				ids = append(ids, p.ID)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id=$1`, roleID); err != nil {
			return fmt.Errorf("clear grants: %w", err)
		}
		if len(ids) > 0 {
			const ins = `INSERT INTO role_permissions (role_id, permission_id) SELECT $1, unnest($2::bigint[])`
			if _, err := tx.ExecContext(ctx, ins, roleID, pq.Array(ids)); err != nil {
				return fmt.Errorf("insert grants: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE roles SET updated_at=NOW() WHERE id=$1`, roleID); err != nil {
			return fmt.Errorf("touch role: %w", err)
		}
		return nil
	})
}

func missingKeys(want []string, found []entity.Permission) []string {
	have := make(map[string]struct{}, len(found))
	for _, p := range found {
		have[p.Key] = struct{}{}
	}
	var missing []string
	for _, k := range want {
		if _, ok := have[k]; !ok {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	return missing
}

// CountAssignedUsers returns how many identities reference the role.
func (r *RoleRepo) CountAssignedUsers(ctx context.Context, roleID int64) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM users WHERE role_id=$1`, roleID); err != nil {
		return 0, err
	}
	return n, nil
}

// Delete removes a role that no identity references. It reports false when
// the role does not exist or is still assigned.
func (r *RoleRepo) Delete(ctx context.Context, roleID int64) (bool, error) {
	const q = `DELETE FROM roles WHERE id=$1 AND NOT EXISTS (SELECT 1 FROM users WHERE role_id=$1) RETURNING 1`
	var one int
	err := r.db.GetContext(ctx, &one, q, roleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
