package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/session"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/session/entity"
	"github.com/ovaphlow/pitchfork/service-crm-auth/pkg/database"
)

// SessionRepo stores session and reset tokens in one table, told apart by
// is_reset_token. Callers hand in hashes; the repo never sees raw tokens.
type SessionRepo struct {
	db *sqlx.DB
}

var _ session.Repository = (*SessionRepo)(nil)

func NewSessionRepo(db *sqlx.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// EnsureTable creates the session_tokens table if not exists (idempotent).
func (r *SessionRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS session_tokens (
  id BIGSERIAL PRIMARY KEY,
  user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  token_hash TEXT NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL,
  is_reset_token BOOLEAN NOT NULL DEFAULT false,
  reset_token_id TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_session_tokens_hash ON session_tokens(token_hash);
CREATE INDEX IF NOT EXISTS idx_session_tokens_user ON session_tokens(user_id, is_reset_token);
CREATE INDEX IF NOT EXISTS idx_session_tokens_reset_expiry ON session_tokens(expires_at) WHERE is_reset_token;
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

const tokenColumns = `id, user_id, token_hash, expires_at, is_reset_token, reset_token_id, created_at`

// replaceSession deletes every session row of the user and inserts the new
// one. The advisory lock serializes concurrent replacements for one user so
// they cannot interleave and leave two live rows.
func replaceSession(ctx context.Context, tx *sqlx.Tx, userID int64, hash session.Hash, expiresAt time.Time) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, userID); err != nil {
		return fmt.Errorf("lock user sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_tokens WHERE user_id=$1 AND NOT is_reset_token`, userID); err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	const ins = `INSERT INTO session_tokens (user_id, token_hash, expires_at, is_reset_token) VALUES ($1, $2, $3, false)`
	if _, err := tx.ExecContext(ctx, ins, userID, hash.String(), expiresAt); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// ReplaceSession makes hash the only session token of the user.
func (r *SessionRepo) ReplaceSession(ctx context.Context, userID int64, hash session.Hash, expiresAt time.Time) error {
	return database.InTx(ctx, r.db, func(tx *sqlx.Tx) error {
		return replaceSession(ctx, tx, userID, hash, expiresAt)
	})
}

// RotateSession consumes the session row matching old with a conditional
// delete and, when that row is still valid at now, installs next as the
// user's only session, all in one transaction. It returns the consumed row;
// the caller compares its expiry to tell a rotation from an expiry.
// sql.ErrNoRows means no row matched: unknown, replayed or lost a race.
func (r *SessionRepo) RotateSession(ctx context.Context, old, next session.Hash, now, expiresAt time.Time) (*entity.SessionToken, error) {
	var taken entity.SessionToken
	err := database.InTx(ctx, r.db, func(tx *sqlx.Tx) error {
		q := `DELETE FROM session_tokens WHERE token_hash=$1 AND NOT is_reset_token RETURNING ` + tokenColumns
		if err := tx.GetContext(ctx, &taken, q, old.String()); err != nil {
			return err
		}
		if taken.Expired(now) {
			return nil
		}
		return replaceSession(ctx, tx, taken.UserID, next, expiresAt)
	})
	if err != nil {
		return nil, err
	}
	return &taken, nil
}

// DeleteAllForUser removes every session and reset row of the user.
func (r *SessionRepo) DeleteAllForUser(ctx context.Context, userID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE user_id=$1`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertReset stores a reset record.
func (r *SessionRepo) InsertReset(ctx context.Context, userID int64, hash session.Hash, ref string, expiresAt time.Time) error {
	const q = `INSERT INTO session_tokens (user_id, token_hash, expires_at, is_reset_token, reset_token_id) VALUES ($1, $2, $3, true, $4)`
	_, err := r.db.ExecContext(ctx, q, userID, hash.String(), expiresAt, ref)
	return err
}

// TakeReset deletes and returns the reset row of the user matching hash.
// sql.ErrNoRows means it was already used or never existed.
func (r *SessionRepo) TakeReset(ctx context.Context, userID int64, hash session.Hash) (*entity.SessionToken, error) {
	q := `DELETE FROM session_tokens WHERE user_id=$1 AND token_hash=$2 AND is_reset_token RETURNING ` + tokenColumns
	var taken entity.SessionToken
	if err := r.db.GetContext(ctx, &taken, q, userID, hash.String()); err != nil {
		return nil, err
	}
	return &taken, nil
}

// DeleteExpiredResets removes reset rows that expired before now.
func (r *SessionRepo) DeleteExpiredResets(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE is_reset_token AND expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
