package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(env(map[string]string{"JWT_SECRET": "a", "JWT_RESET_SECRET": "b"}))
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.RefreshTokenTTL)
	assert.Equal(t, 15*time.Minute, cfg.ResetTokenTTL)
	assert.Equal(t, 10, cfg.BcryptCost)
	assert.Equal(t, "@every 1h", cfg.ResetSweepSchedule)
	assert.Equal(t, "0.0.0.0:8431", cfg.HTTPAddr)
}

func TestLoadRequiresSecrets(t *testing.T) {
	_, err := load(env(map[string]string{"JWT_RESET_SECRET": "b"}))
	assert.ErrorIs(t, err, ErrMissingSecret)

	_, err = load(env(map[string]string{"JWT_SECRET": "a"}))
	assert.ErrorIs(t, err, ErrMissingResetSecret)

	_, err = load(env(map[string]string{"JWT_SECRET": "a", "JWT_RESET_SECRET": "a"}))
	assert.ErrorIs(t, err, ErrSharedSecret)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := load(env(map[string]string{"JWT_SECRET": "a", "JWT_RESET_SECRET": "b", "ACCESS_TOKEN_TTL": "soon"}))
	assert.Error(t, err)
}

func TestLoadSweepOff(t *testing.T) {
	cfg, err := load(env(map[string]string{"JWT_SECRET": "a", "JWT_RESET_SECRET": "b", "RESET_SWEEP_SCHEDULE": "off"}))
	require.NoError(t, err)
	assert.Empty(t, cfg.ResetSweepSchedule)
}

func TestLoadBootstrapAdminNeedsBoth(t *testing.T) {
	_, err := load(env(map[string]string{"JWT_SECRET": "a", "JWT_RESET_SECRET": "b", "BOOTSTRAP_ADMIN_EMAIL": "root@example.com"}))
	assert.ErrorIs(t, err, ErrPartialBootstrap)

	cfg, err := load(env(map[string]string{
		"JWT_SECRET": "a", "JWT_RESET_SECRET": "b",
		"BOOTSTRAP_ADMIN_EMAIL": "root@example.com", "BOOTSTRAP_ADMIN_PASSWORD": "long-enough",
	}))
	require.NoError(t, err)
	assert.Equal(t, "root@example.com", cfg.BootstrapAdminEmail)
}
