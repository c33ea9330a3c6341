package entity

import "time"

// SessionToken is a row of `session_tokens`. TokenHash is the only form of
// the token material that is ever stored. Reset rows carry IsResetToken and
// a public ResetTokenID reference.
type SessionToken struct {
	ID           int64     `db:"id"`
	UserID       int64     `db:"user_id"`
	TokenHash    string    `db:"token_hash"`
	ExpiresAt    time.Time `db:"expires_at"`
	IsResetToken bool      `db:"is_reset_token"`
	ResetTokenID *string   `db:"reset_token_id"`
	CreatedAt    time.Time `db:"created_at"`
}

// Expired reports whether the token is past its expiry at now.
func (t *SessionToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}
