package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/auth"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/config"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/reset"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/role"
	rolerepo "github.com/ovaphlow/pitchfork/service-crm-auth/internal/role/repo"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/router"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/session"
	sessionrepo "github.com/ovaphlow/pitchfork/service-crm-auth/internal/session/repo"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/token"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/user"
	userrepo "github.com/ovaphlow/pitchfork/service-crm-auth/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-crm-auth/pkg/database"
	"github.com/ovaphlow/pitchfork/service-crm-auth/pkg/utilities"
)

func main() {
	// load .env file if present so os.Getenv picks values from it
	_ = godotenv.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()
	sugar := lg.Sugar()

	cfg, err := config.Load()
	if err != nil {
		sugar.Fatalf("config: %v", err)
	}
	sugar.Infow("starting service-crm-auth", "addr", cfg.HTTPAddr)

	db, err := database.Connect(database.ConfigFromEnv())
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	roles := rolerepo.NewRoleRepo(db)
	users := userrepo.NewUserRepo(db)
	sessions := sessionrepo.NewSessionRepo(db)

	table := role.DefaultTable()
	if cfg.RoleTableFile != "" {
		if table, err = role.LoadTable(cfg.RoleTableFile); err != nil {
			sugar.Fatalf("role table: %v", err)
		}
	}
	if cfg.EnsureSchema {
		if err := ensureSchema(ctx, roles, users, sessions, table); err != nil {
			sugar.Fatalf("ensure schema: %v", err)
		}
	}
	if err := role.VerifyTable(ctx, roles, table); err != nil {
		sugar.Fatalf("verify role table: %v", err)
	}

	m := metrics.New()
	tokens, err := token.NewManager(token.Config{
		AccessSecret: []byte(cfg.JWTSecret),
		ResetSecret:  []byte(cfg.JWTResetSecret),
		Issuer:       cfg.JWTIssuer,
		AccessTTL:    cfg.AccessTokenTTL,
		ResetTTL:     cfg.ResetTokenTTL,
		Leeway:       5 * time.Second,
	})
	if err != nil {
		sugar.Fatalf("token manager: %v", err)
	}
	store := session.NewStore(sessions, sugar, session.WithTTL(cfg.RefreshTokenTTL), session.WithMetrics(m))
	authz := role.NewAuthorizer(table)
	userSvc := user.NewService(users, user.BcryptHasher{Cost: cfg.BcryptCost}, sugar)
	if cfg.BootstrapAdminEmail != "" {
		if err := bootstrapAdmin(ctx, userSvc, table, cfg.BootstrapAdminEmail, cfg.BootstrapAdminPassword, sugar); err != nil {
			sugar.Fatalf("bootstrap admin: %v", err)
		}
	}
	authSvc := auth.NewService(userSvc, store, tokens, authz, sugar, m)
	flow := reset.NewFlow(userSvc, store, tokens, reset.LogMailer{Logger: sugar}, cfg.FrontendURL, sugar, m)

	var limiter *router.Limiter
	if cfg.AuthRatePerSecond > 0 {
		limiter = router.NewLimiter(cfg.AuthRatePerSecond, cfg.AuthRateBurst)
	}
	handler := router.RegisterRoutes(router.Deps{
		Logger:     sugar,
		Metrics:    m,
		Gateway:    auth.NewGateway(authSvc, authz, sugar, m),
		Authorizer: authz,
		Auth:       auth.NewHandler(authSvc, flow, sugar),
		Users:      user.NewHandler(userSvc, sugar),
		Roles:      role.NewHandler(role.NewService(roles, table, sugar), sugar),
		Limiter:    limiter,
		Ping:       db.PingContext,
	})

	c, err := scheduleSweep(cfg.ResetSweepSchedule, store, sugar)
	if err != nil {
		sugar.Fatalf("schedule reset sweep: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()
	sugar.Info("service is running; press Ctrl+C to stop")

	<-ctx.Done()
	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}
	if c != nil {
		<-c.Stop().Done()
	}
	sugar.Info("goodbye")
}

func ensureSchema(ctx context.Context, roles *rolerepo.RoleRepo, users *userrepo.UserRepo, sessions *sessionrepo.SessionRepo, table role.Table) error {
	// order follows the foreign keys
	for _, step := range []struct {
		name string
		fn   func(context.Context) error
	}{
		{"roles", roles.EnsureTable},
		{"users", users.EnsureTable},
		{"session_tokens", sessions.EnsureTable},
	} {
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	if err := roles.SeedRoles(ctx, table.Rows()); err != nil {
		return err
	}
	return roles.SeedCatalog(ctx, role.Catalog, role.DefaultGrants(table))
}

// bootstrapAdmin creates the first admin identity unless the email is taken.
func bootstrapAdmin(ctx context.Context, users *user.Service, table role.Table, email, password string, logger *zap.SugaredLogger) error {
	if _, err := users.FindByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, user.ErrUserNotFound) {
		return err
	}
	adminID := table.AdminID()
	p, err := users.Create(ctx, user.CreateInput{Email: email, Name: "Administrator", Password: password, RoleID: &adminID})
	if err != nil {
		return err
	}
	logger.Infow("bootstrap admin created", "user_id", p.ID)
	return nil
}

// scheduleSweep starts the expired reset record sweep. "off" disables it.
func scheduleSweep(schedule string, store *session.Store, logger *zap.SugaredLogger) (*cron.Cron, error) {
	if schedule == "" || schedule == "off" {
		logger.Info("reset sweep disabled")
		return nil, nil
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := store.SweepExpiredResets(ctx)
		if err != nil {
			logger.Errorw("reset sweep failed", "err", err)
			return
		}
		if n > 0 {
			logger.Infow("expired reset records removed", "count", n)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

