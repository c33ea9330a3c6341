package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Now()}
	m, err := NewManager(Config{
		AccessSecret: []byte("access-secret"),
		ResetSecret:  []byte("reset-secret"),
		AccessTTL:    15 * time.Minute,
		ResetTTL:     15 * time.Minute,
	}, WithClock(clk.now))
	require.NoError(t, err)
	return m, clk
}

func TestNewManagerRequiresSecrets(t *testing.T) {
	_, err := NewManager(Config{ResetSecret: []byte("r")})
	assert.ErrorIs(t, err, ErrNoAccessSecret)
	_, err = NewManager(Config{AccessSecret: []byte("a")})
	assert.ErrorIs(t, err, ErrNoResetSecret)
}

func TestAccessRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	roleID := int64(2)
	tok, exp, err := m.IssueAccess(Subject{ID: 7, Email: "ann@example.com", RoleID: &roleID, Role: "Manager"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), exp, 2*time.Second)

	c, err := m.ParseAccess(tok)
	require.NoError(t, err)
	assert.Equal(t, int64(7), c.ID)
	assert.Equal(t, "ann@example.com", c.Email)
	require.NotNil(t, c.RoleID)
	assert.Equal(t, int64(2), *c.RoleID)
	assert.Equal(t, "Manager", c.Role)
	assert.NotEmpty(t, c.RegisteredClaims.ID)
}

func TestAccessNilRole(t *testing.T) {
	m, _ := newTestManager(t)
	tok, _, err := m.IssueAccess(Subject{ID: 9, Email: "x@example.com", Role: "user"})
	require.NoError(t, err)
	c, err := m.ParseAccess(tok)
	require.NoError(t, err)
	assert.Nil(t, c.RoleID)
}

func TestAccessExpires(t *testing.T) {
	m, clk := newTestManager(t)
	tok, _, err := m.IssueAccess(Subject{ID: 7})
	require.NoError(t, err)

	clk.t = clk.t.Add(15*time.Minute + time.Second)
	_, err = m.ParseAccess(tok)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestAccessRejectsTampering(t *testing.T) {
	m, _ := newTestManager(t)
	tok, _, err := m.IssueAccess(Subject{ID: 7})
	require.NoError(t, err)

	_, err = m.ParseAccess(tok + "x")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = m.ParseAccess("")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestAccessRejectsOtherSecretAndAlg(t *testing.T) {
	m, _ := newTestManager(t)
	other, err := NewManager(Config{AccessSecret: []byte("someone-else"), ResetSecret: []byte("r")})
	require.NoError(t, err)
	tok, _, err := other.IssueAccess(Subject{ID: 7})
	require.NoError(t, err)
	_, err = m.ParseAccess(tok)
	assert.ErrorIs(t, err, ErrInvalid)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, AccessClaims{ID: 7})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = m.ParseAccess(unsigned)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestResetAndAccessAreNotInterchangeable(t *testing.T) {
	m, _ := newTestManager(t)
	reset, _, err := m.IssueReset(7, "corr")
	require.NoError(t, err)
	_, err = m.ParseAccess(reset)
	assert.ErrorIs(t, err, ErrInvalid)

	access, _, err := m.IssueAccess(Subject{ID: 7})
	require.NoError(t, err)
	_, err = m.ParseReset(access)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestResetRoundTripAndExpiry(t *testing.T) {
	m, clk := newTestManager(t)
	tok, _, err := m.IssueReset(7, "corr-123")
	require.NoError(t, err)

	c, err := m.ParseReset(tok)
	require.NoError(t, err)
	assert.Equal(t, int64(7), c.IdentityID)
	assert.Equal(t, "corr-123", c.CorrelationID)

	clk.t = clk.t.Add(16 * time.Minute)
	_, err = m.ParseReset(tok)
	assert.ErrorIs(t, err, ErrExpired)
}
