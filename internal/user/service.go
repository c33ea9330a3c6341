package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-crm-auth/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-crm-auth/pkg/apperr"
	"github.com/ovaphlow/pitchfork/service-crm-auth/pkg/database"
)

// MinPasswordLength is the shortest password accepted on create or change.
const MinPasswordLength = 8

// PasswordHasher defines minimal hashing interface (abstract so we can swap to argon2 later).
type PasswordHasher interface {
	Hash(pw string) (string, error)
	Verify(hash, pw string) bool
	NeedsRehash(hash string) bool
}

// BcryptHasher implementation.
type BcryptHasher struct{ Cost int }

func (b BcryptHasher) cost() int {
	if b.Cost == 0 {
		return bcrypt.DefaultCost
	}
	return b.Cost
}

func (b BcryptHasher) Hash(pw string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pw), b.cost())
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (b BcryptHasher) Verify(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

func (b BcryptHasher) NeedsRehash(hash string) bool {
	c, err := bcrypt.Cost([]byte(hash))
	return err == nil && c < b.cost()
}

var (
	ErrUserNotFound     = fmt.Errorf("%w: user not found", apperr.ErrNotFound)
	ErrBadCredentials   = fmt.Errorf("%w: invalid email or password", apperr.ErrAuthentication)
	ErrEmailTaken       = fmt.Errorf("%w: email already exists", apperr.ErrConflict)
	ErrWrongPassword    = fmt.Errorf("%w: current password is incorrect", apperr.ErrValidation)
	ErrPasswordTooShort = fmt.Errorf("%w: password must be at least %d characters", apperr.ErrValidation, MinPasswordLength)
	ErrInvalidEmail     = fmt.Errorf("%w: a valid email is required", apperr.ErrValidation)
	ErrUnknownRole      = fmt.Errorf("%w: role does not exist", apperr.ErrValidation)
)

// Service is the credential store: identities, their passwords and their
// effective permissions.
type Service struct {
	repo   *userrepo.UserRepo
	hasher PasswordHasher
	logger *zap.SugaredLogger
	// dummyHash is compared against when the email is unknown so both paths cost one bcrypt verify.
	dummyHash string
}

func NewService(r *userrepo.UserRepo, hasher PasswordHasher, logger *zap.SugaredLogger) *Service {
	if hasher == nil {
		hasher = BcryptHasher{}
	}
	dummy, _ := hasher.Hash("not-a-real-password")
	return &Service{repo: r, hasher: hasher, logger: logger, dummyHash: dummy}
}

// Authenticate verifies an email/password pair. Unknown email, wrong password
// and inactive identity all yield ErrBadCredentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*entity.Principal, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrBadCredentials
	}
	u, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.hasher.Verify(s.dummyHash, password)
			return nil, ErrBadCredentials
		}
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if !s.hasher.Verify(u.PasswordHash, password) || !u.IsActive {
		return nil, ErrBadCredentials
	}
	if s.hasher.NeedsRehash(u.PasswordHash) {
		if h, err := s.hasher.Hash(password); err == nil {
			if _, err := s.repo.UpdatePassword(ctx, u.ID, h); err != nil {
				s.logger.Warnw("password rehash failed", "user_id", u.ID, "err", err)
			}
		}
	}
	return s.withPermissions(ctx, u)
}

// CreateInput is the payload for Create. RoleID may be nil for an identity without a role.
type CreateInput struct {
	Email    string
	Name     string
	Password string
	RoleID   *int64
}

// Create registers a new identity with a hashed password.
func (s *Service) Create(ctx context.Context, in CreateInput) (*entity.Principal, error) {
	email := normalizeEmail(in.Email)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return nil, ErrInvalidEmail
	}
	if len(in.Password) < MinPasswordLength {
		return nil, ErrPasswordTooShort
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &entity.Identity{
		Email:        email,
		Name:         strings.TrimSpace(in.Name),
		PasswordHash: hash,
		RoleID:       in.RoleID,
		IsActive:     true,
	}
	if _, err := s.repo.Create(ctx, u); err != nil {
		switch {
		case database.IsUniqueViolation(err):
			return nil, ErrEmailTaken
		case database.IsForeignKeyViolation(err):
			return nil, ErrUnknownRole
		}
		return nil, fmt.Errorf("create identity: %w", err)
	}
	s.logger.Infow("identity created", "user_id", u.ID)
	return s.Principal(ctx, u.ID)
}

// Principal loads an identity with its permissions.
func (s *Service) Principal(ctx context.Context, id int64) (*entity.Principal, error) {
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("load identity %d: %w", id, err)
	}
	return s.withPermissions(ctx, u)
}

// FindByEmail returns the identity for email or ErrUserNotFound.
func (s *Service) FindByEmail(ctx context.Context, email string) (*entity.Identity, error) {
	u, err := s.repo.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("load identity: %w", err)
	}
	return u, nil
}

// SetPassword replaces the password of an identity.
func (s *Service) SetPassword(ctx context.Context, id int64, password string) error {
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	ok, err := s.repo.UpdatePassword(ctx, id, hash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if !ok {
		return ErrUserNotFound
	}
	return nil
}

// ChangePassword verifies the current password before setting a new one.
func (s *Service) ChangePassword(ctx context.Context, id int64, current, next string) error {
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("load identity %d: %w", id, err)
	}
	if !s.hasher.Verify(u.PasswordHash, current) {
		return ErrWrongPassword
	}
	return s.SetPassword(ctx, id, next)
}

// SetActive activates or deactivates an identity. Changing to the current
// state is a no-op.
func (s *Service) SetActive(ctx context.Context, id int64, active bool) error {
	var (
		changed bool
		err     error
	)
	if active {
		changed, err = s.repo.Reactivate(ctx, id)
	} else {
		changed, err = s.repo.Deactivate(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("set active %d: %w", id, err)
	}
	if !changed {
		if _, err := s.Principal(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) withPermissions(ctx context.Context, u *entity.Identity) (*entity.Principal, error) {
	p := &entity.Principal{Identity: *u, Permissions: []string{}}
	if u.RoleID == nil {
		return p, nil
	}
	keys, err := s.repo.PermissionKeys(ctx, *u.RoleID)
	if err != nil {
		return nil, fmt.Errorf("load permissions of role %d: %w", *u.RoleID, err)
	}
	p.Permissions = keys
	return p, nil
}

func normalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}
