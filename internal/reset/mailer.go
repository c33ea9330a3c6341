package reset

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Mail is a password reset message.
type Mail struct {
	To        string
	Name      string
	Link      string
	ExpiresAt time.Time
}

// Mailer delivers reset links. Template rendering and transport live behind it.
type Mailer interface {
	SendPasswordReset(ctx context.Context, m Mail) error
}

// LogMailer records that a reset mail was due without sending anything.
// The link carries a live credential and is never logged.
type LogMailer struct {
	Logger *zap.SugaredLogger
}

func (l LogMailer) SendPasswordReset(_ context.Context, m Mail) error {
	l.Logger.Infow("password reset mail queued", "to", m.To, "expires_at", m.ExpiresAt)
	return nil
}
