package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/user/entity"
)

// UserRepo provides data access for the users table using sqlx.
type UserRepo struct {
	db *sqlx.DB
}

func NewUserRepo(db *sqlx.DB) *UserRepo { return &UserRepo{db: db} }

// EnsureTable creates the users table if not exists (idempotent).
// The roles table must exist first.
func (r *UserRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE EXTENSION IF NOT EXISTS citext;
CREATE TABLE IF NOT EXISTS users (
  id BIGSERIAL PRIMARY KEY,
  email CITEXT NOT NULL UNIQUE,
  name TEXT NOT NULL DEFAULT '',
  password_hash TEXT NOT NULL,
  role_id BIGINT REFERENCES roles(id),
  is_active BOOLEAN NOT NULL DEFAULT true,
  password_updated_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  deactivated_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_users_role_id ON users(role_id);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

const selectIdentity = `SELECT u.id, u.email, u.name, u.password_hash, u.role_id, r.name AS role_name, r.is_active AS role_active,
		u.is_active, u.password_updated_at, u.created_at, u.updated_at, u.deactivated_at
	  FROM users u LEFT JOIN roles r ON r.id = u.role_id`

// Create inserts a new identity and returns its id.
func (r *UserRepo) Create(ctx context.Context, u *entity.Identity) (int64, error) {
	const q = `INSERT INTO users (email, name, password_hash, role_id, is_active, password_updated_at)
		  VALUES ($1, $2, $3, $4, true, NOW()) RETURNING id`
	if err := r.db.QueryRowxContext(ctx, q, u.Email, u.Name, u.PasswordHash, u.RoleID).Scan(&u.ID); err != nil {
		return 0, err
	}
	return u.ID, nil
}

// GetByEmail returns an identity matched by email (case-insensitive due to citext) or sql.ErrNoRows.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*entity.Identity, error) {
	var row entity.Identity
	if err := r.db.GetContext(ctx, &row, selectIdentity+` WHERE u.email=$1`, email); err != nil {
		return nil, err
	}
	return &row, nil
}

// GetByID fetches an identity or sql.ErrNoRows.
func (r *UserRepo) GetByID(ctx context.Context, id int64) (*entity.Identity, error) {
	var row entity.Identity
	if err := r.db.GetContext(ctx, &row, selectIdentity+` WHERE u.id=$1`, id); err != nil {
		return nil, err
	}
	return &row, nil
}

// PermissionKeys returns the lower-cased keys granted to a role. An inactive
// role grants nothing.
func (r *UserRepo) PermissionKeys(ctx context.Context, roleID int64) ([]string, error) {
	const q = `SELECT lower(p.key) FROM role_permissions rp
	  JOIN permissions p ON p.id = rp.permission_id
	  JOIN roles r ON r.id = rp.role_id
	 WHERE rp.role_id=$1 AND r.is_active ORDER BY 1`
	keys := []string{}
	if err := r.db.SelectContext(ctx, &keys, q, roleID); err != nil {
		return nil, err
	}
	return keys, nil
}

// UpdatePassword stores a new password hash. It reports false when the
// identity does not exist.
func (r *UserRepo) UpdatePassword(ctx context.Context, id int64, hash string) (bool, error) {
	const q = `UPDATE users SET password_hash=$2, password_updated_at=NOW(), updated_at=NOW() WHERE id=$1 RETURNING 1`
	return r.updateOne(ctx, q, id, hash)
}

// Deactivate marks an identity inactive.
func (r *UserRepo) Deactivate(ctx context.Context, id int64) (bool, error) {
	const q = `UPDATE users SET is_active=false, deactivated_at=NOW(), updated_at=NOW() WHERE id=$1 AND is_active RETURNING 1`
	return r.updateOne(ctx, q, id)
}

// Reactivate resets an inactive identity to active.
func (r *UserRepo) Reactivate(ctx context.Context, id int64) (bool, error) {
	const q = `UPDATE users SET is_active=true, deactivated_at=NULL, updated_at=NOW() WHERE id=$1 AND NOT is_active RETURNING 1`
	return r.updateOne(ctx, q, id)
}

func (r *UserRepo) updateOne(ctx context.Context, q string, args ...any) (bool, error) {
	var one int
	err := r.db.GetContext(ctx, &one, q, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
