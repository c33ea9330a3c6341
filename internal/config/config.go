package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the process configuration, read once in main and passed down.
type Config struct {
	HTTPAddr string

	JWTSecret      string
	JWTResetSecret string
	JWTIssuer      string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	ResetTokenTTL   time.Duration

	BcryptCost  int
	FrontendURL string

	RoleTableFile      string
	ResetSweepSchedule string
	EnsureSchema       bool

	AuthRatePerSecond float64
	AuthRateBurst     int

	// BootstrapAdminEmail and BootstrapAdminPassword create the first admin
	// when no identity with that email exists.
	BootstrapAdminEmail    string
	BootstrapAdminPassword string
}

var (
	ErrMissingSecret      = errors.New("config: JWT_SECRET is required")
	ErrMissingResetSecret = errors.New("config: JWT_RESET_SECRET is required")
	ErrSharedSecret       = errors.New("config: JWT_RESET_SECRET must differ from JWT_SECRET")
	ErrPartialBootstrap   = errors.New("config: BOOTSTRAP_ADMIN_EMAIL and BOOTSTRAP_ADMIN_PASSWORD go together")
)

// Load reads the configuration from the environment. A missing signing
// secret is an error: the service must not start without one.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	cfg := Config{
		HTTPAddr:           orDefault(getenv("HTTP_ADDR"), "0.0.0.0:8431"),
		JWTSecret:          getenv("JWT_SECRET"),
		JWTResetSecret:     getenv("JWT_RESET_SECRET"),
		JWTIssuer:          orDefault(getenv("JWT_ISSUER"), "crm-auth"),
		FrontendURL:        orDefault(getenv("FRONTEND_URL"), "http://localhost:3000"),
		RoleTableFile:      getenv("ROLE_TABLE_FILE"),
		ResetSweepSchedule: orDefault(getenv("RESET_SWEEP_SCHEDULE"), "@every 1h"),
		EnsureSchema:       getenv("DB_ENSURE_SCHEMA") == "1",

		BootstrapAdminEmail:    getenv("BOOTSTRAP_ADMIN_EMAIL"),
		BootstrapAdminPassword: getenv("BOOTSTRAP_ADMIN_PASSWORD"),
	}
	if v, ok := lookup(getenv, "RESET_SWEEP_SCHEDULE"); ok && v == "off" {
		cfg.ResetSweepSchedule = ""
	}

	if cfg.JWTSecret == "" {
		return Config{}, ErrMissingSecret
	}
	if cfg.JWTResetSecret == "" {
		return Config{}, ErrMissingResetSecret
	}
	if cfg.JWTResetSecret == cfg.JWTSecret {
		return Config{}, ErrSharedSecret
	}
	if (cfg.BootstrapAdminEmail == "") != (cfg.BootstrapAdminPassword == "") {
		return Config{}, ErrPartialBootstrap
	}

	var err error
	if cfg.AccessTokenTTL, err = duration(getenv, "ACCESS_TOKEN_TTL", 15*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTokenTTL, err = duration(getenv, "REFRESH_TOKEN_TTL", 7*24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.ResetTokenTTL, err = duration(getenv, "RESET_TOKEN_TTL", 15*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.BcryptCost, err = integer(getenv, "BCRYPT_COST", 10); err != nil {
		return Config{}, err
	}
	if cfg.AuthRateBurst, err = integer(getenv, "AUTH_RATE_BURST", 10); err != nil {
		return Config{}, err
	}
	cfg.AuthRatePerSecond = 5
	if v, ok := lookup(getenv, "AUTH_RATE_PER_SECOND"); ok {
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil || f <= 0 {
			return Config{}, fmt.Errorf("config: AUTH_RATE_PER_SECOND: invalid value %q", v)
		}
		cfg.AuthRatePerSecond = f
	}
	return cfg, nil
}

func lookup(getenv func(string) string, key string) (string, bool) {
	v := getenv(key)
	return v, v != ""
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func duration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v, ok := lookup(getenv, key)
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config: %s: invalid duration %q", key, v)
	}
	return d, nil
}

func integer(getenv func(string) string, key string, def int) (int, error) {
	v, ok := lookup(getenv, key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("config: %s: invalid integer %q", key, v)
	}
	return n, nil
}
