package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/permission"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/role"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/token"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/user"
	userentity "github.com/ovaphlow/pitchfork/service-crm-auth/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-crm-auth/pkg/apperr"
)

var (
	ErrMissingBearer   = fmt.Errorf("%w: no token provided", apperr.ErrAuthentication)
	ErrInvalidAccess   = fmt.Errorf("%w: invalid or expired token", apperr.ErrAuthentication)
	ErrInactive        = fmt.Errorf("%w: account is inactive", apperr.ErrAuthentication)
	ErrCredentialsMiss = fmt.Errorf("%w: email and password are required", apperr.ErrValidation)
)

// Credentials is the identity store the auth service relies on.
type Credentials interface {
	Authenticate(ctx context.Context, email, password string) (*userentity.Principal, error)
	Create(ctx context.Context, in user.CreateInput) (*userentity.Principal, error)
	Principal(ctx context.Context, id int64) (*userentity.Principal, error)
	ChangePassword(ctx context.Context, id int64, current, next string) error
	SetActive(ctx context.Context, id int64, active bool) error
}

// Sessions is the refresh token store the auth service relies on.
type Sessions interface {
	Issue(ctx context.Context, userID int64) (string, error)
	Rotate(ctx context.Context, raw string) (int64, string, error)
	RevokeAll(ctx context.Context, userID int64) error
}

// Result is what login, register and refresh hand back to the client.
type Result struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         userentity.View
}

// Service implements login, registration, refresh, logout and the
// credential checks behind the HTTP gateway.
type Service struct {
	creds    Credentials
	sessions Sessions
	tokens   *token.Manager
	authz    *role.Authorizer
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics
}

func NewService(creds Credentials, sessions Sessions, tokens *token.Manager, authz *role.Authorizer, logger *zap.SugaredLogger, m *metrics.Metrics) *Service {
	return &Service{creds: creds, sessions: sessions, tokens: tokens, authz: authz, logger: logger, metrics: m}
}

// Login checks credentials and opens a new session, ending any previous one.
func (s *Service) Login(ctx context.Context, email, password string) (res *Result, err error) {
	defer func() { s.metrics.Login(err) }()
	if strings.TrimSpace(email) == "" || password == "" {
		return nil, ErrCredentialsMiss
	}
	p, err := s.creds.Authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	res, err = s.mint(ctx, p)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("login", "user_id", p.ID)
	return res, nil
}

// RegisterInput is the payload for Register. RoleID is optional.
type RegisterInput struct {
	Email    string
	Name     string
	Password string
	RoleID   *int64
}

// Register creates an identity on behalf of actor and opens a session for
// it. Only an admin picks the role; anyone else, managers included, can
// only create identities with the user role.
func (s *Service) Register(ctx context.Context, actor role.Subject, in RegisterInput) (*Result, error) {
	roleID := in.RoleID
	if !s.authz.IsAdmin(actor) {
		if id, ok := s.authz.Table().IDOf("user"); ok {
			roleID = &id
		} else {
			roleID = nil
		}
	}
	p, err := s.creds.Create(ctx, user.CreateInput{Email: in.Email, Name: in.Name, Password: in.Password, RoleID: roleID})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("identity registered", "user_id", p.ID, "by", actor.ID)
	return s.mint(ctx, p)
}

// Refresh rotates a refresh token and mints a new pair.
func (s *Service) Refresh(ctx context.Context, raw string) (*Result, error) {
	userID, next, err := s.sessions.Rotate(ctx, raw)
	if err != nil {
		return nil, err
	}
	p, err := s.creds.Principal(ctx, userID)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			return nil, ErrInvalidAccess
		}
		return nil, err
	}
	if !p.IsActive {
		if err := s.sessions.RevokeAll(ctx, userID); err != nil {
			s.logger.Warnw("revoke sessions of inactive identity", "user_id", userID, "err", err)
		}
		return nil, ErrInactive
	}
	access, exp, err := s.tokens.IssueAccess(subjectOf(p))
	if err != nil {
		return nil, err
	}
	return &Result{AccessToken: access, RefreshToken: next, ExpiresAt: exp, User: p.View()}, nil
}

// Logout ends every session of the user. Calling it twice is harmless.
func (s *Service) Logout(ctx context.Context, userID int64) error {
	if err := s.sessions.RevokeAll(ctx, userID); err != nil {
		return err
	}
	s.logger.Infow("logout", "user_id", userID)
	return nil
}

// ChangePassword replaces the password and ends every session.
func (s *Service) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	if err := s.creds.ChangePassword(ctx, userID, current, next); err != nil {
		return err
	}
	return s.sessions.RevokeAll(ctx, userID)
}

// SetActive toggles an identity on behalf of actor; deactivation also ends
// its sessions. Only an admin may change an admin.
func (s *Service) SetActive(ctx context.Context, actor role.Subject, userID int64, active bool) error {
	target, err := s.creds.Principal(ctx, userID)
	if err != nil {
		return err
	}
	if target.RoleID != nil && *target.RoleID == s.authz.Table().AdminID() && !s.authz.IsAdmin(actor) {
		s.metrics.Denied("admin_target")
		s.logger.Warnw("non-admin tried to change an admin", "actor_id", actor.ID, "target_id", userID, "active", active)
		return ErrForbidden
	}
	if err := s.creds.SetActive(ctx, userID, active); err != nil {
		return err
	}
	if !active {
		return s.sessions.RevokeAll(ctx, userID)
	}
	return nil
}

// Authenticate resolves a bearer access token to the caller. Any failure
// is an authentication error.
func (s *Service) Authenticate(ctx context.Context, bearer string) (*Caller, error) {
	if bearer == "" {
		return nil, ErrMissingBearer
	}
	claims, err := s.tokens.ParseAccess(bearer)
	if err != nil {
		return nil, ErrInvalidAccess
	}
	p, err := s.creds.Principal(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			return nil, ErrInvalidAccess
		}
		return nil, err
	}
	if !p.IsActive {
		return nil, ErrInactive
	}
	return newCaller(p), nil
}

func (s *Service) mint(ctx context.Context, p *userentity.Principal) (*Result, error) {
	access, exp, err := s.tokens.IssueAccess(subjectOf(p))
	if err != nil {
		return nil, err
	}
	refresh, err := s.sessions.Issue(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return &Result{AccessToken: access, RefreshToken: refresh, ExpiresAt: exp, User: p.View()}, nil
}

func subjectOf(p *userentity.Principal) token.Subject {
	return token.Subject{ID: p.ID, Email: p.Email, RoleID: p.RoleID, Role: p.Role()}
}

// Caller is the authenticated principal of a request.
type Caller struct {
	Principal *userentity.Principal
	Subject   role.Subject
}

// newCaller builds the authorization subject. A disabled role counts as no
// role at all.
func newCaller(p *userentity.Principal) *Caller {
	sub := role.Subject{ID: p.ID, Permissions: permission.NewSet(p.Permissions...)}
	if p.RoleActive == nil || *p.RoleActive {
		sub.RoleID = p.RoleID
		if p.RoleName != nil {
			sub.RoleName = *p.RoleName
		}
	}
	return &Caller{Principal: p, Subject: sub}
}
