// Package session keeps refresh (session) tokens and password-reset records.
// Only hashes of token material are stored; raw values exist only in the
// response handed to the client.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/session/entity"
	"github.com/ovaphlow/pitchfork/service-crm-auth/pkg/apperr"
	"github.com/ovaphlow/pitchfork/service-crm-auth/pkg/utilities"
)

var (
	ErrInvalidToken = fmt.Errorf("%w: invalid refresh token", apperr.ErrAuthentication)
	ErrExpiredToken = fmt.Errorf("%w: refresh token expired", apperr.ErrAuthentication)
	ErrMissingToken = fmt.Errorf("%w: refresh token missing", apperr.ErrValidation)

	// ErrResetNotFound means the reset record was already consumed or never existed.
	ErrResetNotFound = errors.New("reset record not found")
	ErrResetExpired  = errors.New("reset record expired")
)

// Repository is the persistence the Store needs. Implementations must make
// RotateSession and TakeReset conditional deletes: of two racing calls with
// the same hash exactly one gets the row, the other sql.ErrNoRows.
type Repository interface {
	ReplaceSession(ctx context.Context, userID int64, hash Hash, expiresAt time.Time) error
	RotateSession(ctx context.Context, old, next Hash, now, expiresAt time.Time) (*entity.SessionToken, error)
	DeleteAllForUser(ctx context.Context, userID int64) (int64, error)
	InsertReset(ctx context.Context, userID int64, hash Hash, ref string, expiresAt time.Time) error
	TakeReset(ctx context.Context, userID int64, hash Hash) (*entity.SessionToken, error)
	DeleteExpiredResets(ctx context.Context, now time.Time) (int64, error)
}

// Store issues, rotates and revokes session tokens and hosts reset records.
type Store struct {
	repo    Repository
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the lifetime of session tokens (default 7 days).
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics records rotation outcomes and replays.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func NewStore(repo Repository, logger *zap.SugaredLogger, opts ...Option) *Store {
	s := &Store{repo: repo, ttl: 7 * 24 * time.Hour, now: time.Now, logger: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Issue creates a new session token for the user, invalidating every prior
// one, and returns the raw value. The raw value is not stored.
func (s *Store) Issue(ctx context.Context, userID int64) (string, error) {
	raw, err := NewRawToken()
	if err != nil {
		return "", err
	}
	if err := s.repo.ReplaceSession(ctx, userID, HashToken(raw), s.now().Add(s.ttl)); err != nil {
		return "", fmt.Errorf("issue session: %w", err)
	}
	return raw, nil
}

// Rotate consumes raw and returns the owning user with a fresh raw token.
// An unknown raw value (never issued, already rotated, revoked or lost to a
// concurrent rotation) yields ErrInvalidToken; an expired one is deleted and
// yields ErrExpiredToken.
func (s *Store) Rotate(ctx context.Context, raw string) (userID int64, next string, err error) {
	defer func() { s.metrics.Refresh(err) }()
	if raw == "" {
		return 0, "", ErrMissingToken
	}
	next, err = NewRawToken()
	if err != nil {
		return 0, "", err
	}
	old := HashToken(raw)
	now := s.now()
	taken, err := s.repo.RotateSession(ctx, old, HashToken(next), now, now.Add(s.ttl))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.RefreshReplay()
			s.logger.Warnw("refresh token not recognised, possible replay", "token_hash_prefix", old.String()[:12])
			return 0, "", ErrInvalidToken
		}
		return 0, "", fmt.Errorf("rotate session: %w", err)
	}
	if taken.Expired(now) {
		s.logger.Debugw("expired refresh token presented", "user_id", taken.UserID)
		return 0, "", ErrExpiredToken
	}
	return taken.UserID, next, nil
}

// RevokeAll deletes every session and reset record of the user. It is
// idempotent.
func (s *Store) RevokeAll(ctx context.Context, userID int64) error {
	n, err := s.repo.DeleteAllForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("revoke sessions of %d: %w", userID, err)
	}
	s.logger.Debugw("sessions revoked", "user_id", userID, "count", n)
	return nil
}

// SaveReset stores the hash of a reset correlation id and returns the
// record's public reference.
func (s *Store) SaveReset(ctx context.Context, userID int64, correlationID string, expiresAt time.Time) (string, error) {
	ref := utilities.NewKSUID()
	if err := s.repo.InsertReset(ctx, userID, HashToken(correlationID), ref, expiresAt); err != nil {
		return "", fmt.Errorf("save reset record: %w", err)
	}
	return ref, nil
}

// ConsumeReset deletes the user's reset record for correlationID. It fails
// with ErrResetNotFound when there is none and ErrResetExpired when the
// record had expired; either way the record is gone afterwards.
func (s *Store) ConsumeReset(ctx context.Context, userID int64, correlationID string) error {
	taken, err := s.repo.TakeReset(ctx, userID, HashToken(correlationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrResetNotFound
		}
		return fmt.Errorf("consume reset record: %w", err)
	}
	if taken.Expired(s.now()) {
		return ErrResetExpired
	}
	return nil
}

// SweepExpiredResets deletes reset records past their expiry.
func (s *Store) SweepExpiredResets(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpiredResets(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("sweep reset records: %w", err)
	}
	s.metrics.ResetsSwept(n)
	return n, nil
}
