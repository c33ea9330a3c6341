// Package sessiontest provides an in-memory session.Repository for tests.
package sessiontest

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/session"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/session/entity"
)

// Repo is an in-memory session.Repository with the same conditional-delete
// behaviour as the postgres one.
type Repo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[session.Hash]entity.SessionToken
}

var _ session.Repository = (*Repo)(nil)

func NewRepo() *Repo {
	return &Repo{rows: make(map[session.Hash]entity.SessionToken)}
}

func (m *Repo) insert(userID int64, hash session.Hash, expiresAt time.Time, reset bool, ref *string) {
	m.nextID++
	m.rows[hash] = entity.SessionToken{
		ID: m.nextID, UserID: userID, TokenHash: hash.String(), ExpiresAt: expiresAt,
		IsResetToken: reset, ResetTokenID: ref, CreatedAt: time.Now(),
	}
}

func (m *Repo) replaceLocked(userID int64, hash session.Hash, expiresAt time.Time) {
	for h, r := range m.rows {
		if r.UserID == userID && !r.IsResetToken {
			delete(m.rows, h)
		}
	}
	m.insert(userID, hash, expiresAt, false, nil)
}

func (m *Repo) ReplaceSession(_ context.Context, userID int64, hash session.Hash, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaceLocked(userID, hash, expiresAt)
	return nil
}

func (m *Repo) RotateSession(_ context.Context, old, next session.Hash, now, expiresAt time.Time) (*entity.SessionToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[old]
	if !ok || r.IsResetToken {
		return nil, sql.ErrNoRows
	}
	delete(m.rows, old)
	if !r.Expired(now) {
		m.replaceLocked(r.UserID, next, expiresAt)
	}
	return &r, nil
}

func (m *Repo) DeleteAllForUser(_ context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for h, r := range m.rows {
		if r.UserID == userID {
			delete(m.rows, h)
			n++
		}
	}
	return n, nil
}

func (m *Repo) InsertReset(_ context.Context, userID int64, hash session.Hash, ref string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insert(userID, hash, expiresAt, true, &ref)
	return nil
}

func (m *Repo) TakeReset(_ context.Context, userID int64, hash session.Hash) (*entity.SessionToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[hash]
	if !ok || !r.IsResetToken || r.UserID != userID {
		return nil, sql.ErrNoRows
	}
	delete(m.rows, hash)
	return &r, nil
}

func (m *Repo) DeleteExpiredResets(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for h, r := range m.rows {
		if r.IsResetToken && r.ExpiresAt.Before(now) {
			delete(m.rows, h)
			n++
		}
	}
	return n, nil
}

// SessionsOf returns the live session rows of a user.
func (m *Repo) SessionsOf(userID int64) []entity.SessionToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entity.SessionToken
	for _, r := range m.rows {
		if r.UserID == userID && !r.IsResetToken {
			out = append(out, r)
		}
	}
	return out
}

// Count returns the number of stored rows of any kind.
func (m *Repo) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
