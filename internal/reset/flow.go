// Package reset runs the forgot/reset password flow. A reset is a signed
// token carrying {identityId, correlationId} plus a stored hash of the
// correlation id; consuming it deletes that record, so each link works once.
package reset

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/session"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/token"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/user"
	userentity "github.com/ovaphlow/pitchfork/service-crm-auth/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-crm-auth/pkg/apperr"
)

var (
	ErrEmailRequired = fmt.Errorf("%w: email is required", apperr.ErrValidation)
	ErrInvalidToken  = fmt.Errorf("%w: invalid reset token", apperr.ErrValidation)
	ErrExpiredToken  = fmt.Errorf("%w: reset token expired", apperr.ErrValidation)
	ErrUsedToken     = fmt.Errorf("%w: reset link already used or invalid", apperr.ErrValidation)
)

// Users is the credential store as the flow needs it.
type Users interface {
	FindByEmail(ctx context.Context, email string) (*userentity.Identity, error)
	SetPassword(ctx context.Context, id int64, password string) error
}

// Sessions is the token store as the flow needs it.
type Sessions interface {
	SaveReset(ctx context.Context, userID int64, correlationID string, expiresAt time.Time) (string, error)
	ConsumeReset(ctx context.Context, userID int64, correlationID string) error
	RevokeAll(ctx context.Context, userID int64) error
}

type Flow struct {
	users       Users
	sessions    Sessions
	tokens      *token.Manager
	mailer      Mailer
	frontendURL string
	logger      *zap.SugaredLogger
	metrics     *metrics.Metrics
}

func NewFlow(users Users, sessions Sessions, tokens *token.Manager, mailer Mailer, frontendURL string, logger *zap.SugaredLogger, m *metrics.Metrics) *Flow {
	return &Flow{
		users:       users,
		sessions:    sessions,
		tokens:      tokens,
		mailer:      mailer,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		logger:      logger,
		metrics:     m,
	}
}

// RequestReset issues a reset link for email. It reports success whether or
// not the email belongs to an active identity so account existence never leaks.
func (f *Flow) RequestReset(ctx context.Context, email string) (err error) {
	defer func() { f.metrics.Reset("request", err) }()
	email = strings.TrimSpace(email)
	if email == "" {
		return ErrEmailRequired
	}
	u, err := f.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			f.logger.Debugw("reset requested for unknown email")
			return nil
		}
		return err
	}
	if !u.IsActive {
		f.logger.Debugw("reset requested for inactive identity", "user_id", u.ID)
		return nil
	}

	correlationID, err := session.NewRawToken()
	if err != nil {
		return err
	}
	signed, exp, err := f.tokens.IssueReset(u.ID, correlationID)
	if err != nil {
		return err
	}
	ref, err := f.sessions.SaveReset(ctx, u.ID, correlationID, exp)
	if err != nil {
		return err
	}

	mail := Mail{To: u.Email, Name: displayName(u), Link: f.link(signed), ExpiresAt: exp}
	if err := f.mailer.SendPasswordReset(ctx, mail); err != nil {
		// response stays identical to the unknown-email case
		f.logger.Errorw("reset mail failed", "user_id", u.ID, "reset_ref", ref, "err", err)
		return nil
	}
	f.logger.Infow("password reset issued", "user_id", u.ID, "reset_ref", ref)
	return nil
}

// ConsumeReset sets a new password using a reset token, then revokes every
// session of the identity. The reset record is deleted before the password
// changes, so two concurrent attempts cannot both succeed.
func (f *Flow) ConsumeReset(ctx context.Context, signed, newPassword string) (err error) {
	defer func() { f.metrics.Reset("consume", err) }()
	if strings.TrimSpace(signed) == "" {
		return ErrInvalidToken
	}
	if len(newPassword) < user.MinPasswordLength {
		return user.ErrPasswordTooShort
	}

	claims, err := f.tokens.ParseReset(signed)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return ErrExpiredToken
		}
		return ErrInvalidToken
	}

	if err := f.sessions.ConsumeReset(ctx, claims.IdentityID, claims.CorrelationID); err != nil {
		switch {
		case errors.Is(err, session.ErrResetNotFound):
			f.logger.Warnw("reset token replayed or unknown", "user_id", claims.IdentityID)
			return ErrUsedToken
		case errors.Is(err, session.ErrResetExpired):
			return ErrExpiredToken
		}
		return err
	}

	if err := f.users.SetPassword(ctx, claims.IdentityID, newPassword); err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	if err := f.sessions.RevokeAll(ctx, claims.IdentityID); err != nil {
		return err
	}
	f.logger.Infow("password reset completed", "user_id", claims.IdentityID)
	return nil
}

func (f *Flow) link(signed string) string {
	return f.frontendURL + "/en/reset-password?token=" + url.QueryEscape(signed)
}

func displayName(u *userentity.Identity) string {
	if u.Name != "" {
		return u.Name
	}
	return "User"
}
