// Package token signs and verifies the HS256 tokens of the service: short
// lived access tokens and password-reset tokens. The two kinds use separate
// secrets and audiences so one can never be accepted as the other.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ovaphlow/pitchfork/service-crm-auth/pkg/utilities"
)

const (
	audienceAccess = "crm-api"
	audienceReset  = "crm-password-reset"
)

var (
	ErrInvalid = errors.New("token invalid")
	ErrExpired = errors.New("token expired")

	ErrNoAccessSecret = errors.New("token: access signing secret is not configured")
	ErrNoResetSecret  = errors.New("token: reset signing secret is not configured")
)

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	ID     int64  `json:"id"`
	Email  string `json:"email"`
	RoleID *int64 `json:"roleId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// ResetClaims is the payload of a password-reset token.
type ResetClaims struct {
	IdentityID    int64  `json:"identityId"`
	CorrelationID string `json:"correlationId"`
	jwt.RegisteredClaims
}

// Subject is what an access token is issued for.
type Subject struct {
	ID     int64
	Email  string
	RoleID *int64
	Role   string
}

type Config struct {
	AccessSecret []byte
	ResetSecret  []byte
	Issuer       string
	AccessTTL    time.Duration
	ResetTTL     time.Duration
	// Leeway tolerates clock skew when checking exp/nbf/iat.
	Leeway time.Duration
}

// Manager issues and parses tokens. It is safe for concurrent use.
type Manager struct {
	cfg Config
	now func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager validates cfg. A missing secret is a startup error.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if len(cfg.AccessSecret) == 0 {
		return nil, ErrNoAccessSecret
	}
	if len(cfg.ResetSecret) == 0 {
		return nil, ErrNoResetSecret
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = 15 * time.Minute
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "crm-auth"
	}
	m := &Manager{cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// AccessTTL is the lifetime of access tokens.
func (m *Manager) AccessTTL() time.Duration { return m.cfg.AccessTTL }

// ResetTTL is the lifetime of reset tokens.
func (m *Manager) ResetTTL() time.Duration { return m.cfg.ResetTTL }

func (m *Manager) registered(subject, audience string, ttl time.Duration) (jwt.RegisteredClaims, time.Time) {
	now := m.now()
	exp := now.Add(ttl)
	return jwt.RegisteredClaims{
		Issuer:    m.cfg.Issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        utilities.NewSnowflakeID(),
	}, exp
}

// IssueAccess signs an access token for s and returns it with its expiry.
func (m *Manager) IssueAccess(s Subject) (string, time.Time, error) {
	rc, exp := m.registered(strconv.FormatInt(s.ID, 10), audienceAccess, m.cfg.AccessTTL)
	claims := AccessClaims{ID: s.ID, Email: s.Email, RoleID: s.RoleID, Role: s.Role, RegisteredClaims: rc}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.cfg.AccessSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

// ParseAccess verifies an access token and returns its claims.
func (m *Manager) ParseAccess(raw string) (*AccessClaims, error) {
	var claims AccessClaims
	if err := m.parse(raw, &claims, m.cfg.AccessSecret, audienceAccess); err != nil {
		return nil, err
	}
	if claims.ID <= 0 {
		return nil, ErrInvalid
	}
	return &claims, nil
}

// IssueReset signs a reset token binding identityID to correlationID.
func (m *Manager) IssueReset(identityID int64, correlationID string) (string, time.Time, error) {
	rc, exp := m.registered(strconv.FormatInt(identityID, 10), audienceReset, m.cfg.ResetTTL)
	claims := ResetClaims{IdentityID: identityID, CorrelationID: correlationID, RegisteredClaims: rc}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.cfg.ResetSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign reset token: %w", err)
	}
	return signed, exp, nil
}

// ParseReset verifies a reset token and returns its claims.
func (m *Manager) ParseReset(raw string) (*ResetClaims, error) {
	var claims ResetClaims
	if err := m.parse(raw, &claims, m.cfg.ResetSecret, audienceReset); err != nil {
		return nil, err
	}
	if claims.IdentityID <= 0 || claims.CorrelationID == "" {
		return nil, ErrInvalid
	}
	return &claims, nil
}

func (m *Manager) parse(raw string, claims jwt.Claims, secret []byte, audience string) error {
	if raw == "" {
		return ErrInvalid
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.cfg.Issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(m.cfg.Leeway),
		jwt.WithTimeFunc(m.now),
	)
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
}
