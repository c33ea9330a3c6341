package role

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/role/entity"
	rolerepo "github.com/ovaphlow/pitchfork/service-crm-auth/internal/role/repo"
	"github.com/ovaphlow/pitchfork/service-crm-auth/pkg/apperr"
	"github.com/ovaphlow/pitchfork/service-crm-auth/pkg/database"
)

var (
	ErrRoleNotFound      = fmt.Errorf("%w: role not found", apperr.ErrNotFound)
	ErrRoleNameTaken     = fmt.Errorf("%w: role name already exists", apperr.ErrConflict)
	ErrRoleInUse         = fmt.Errorf("%w: role is assigned to users", apperr.ErrConflict)
	ErrUnknownPermission = fmt.Errorf("%w: unknown permission", apperr.ErrValidation)
	ErrRoleNameRequired  = fmt.Errorf("%w: role name is required", apperr.ErrValidation)
	ErrRoleProtected     = fmt.Errorf("%w: role is part of the role table and cannot be deleted", apperr.ErrConflict)
)

// Service manages roles and their grant sets.
type Service struct {
	repo   *rolerepo.RoleRepo
	table  Table
	logger *zap.SugaredLogger
}

// NewService returns a Service that never deletes the roles of table.
func NewService(r *rolerepo.RoleRepo, table Table, logger *zap.SugaredLogger) *Service {
	return &Service{repo: r, table: table, logger: logger}
}

// Get returns a role with its granted permission keys.
func (s *Service) Get(ctx context.Context, id int64) (*entity.RoleGrants, error) {
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoleNotFound
		}
		return nil, fmt.Errorf("load role %d: %w", id, err)
	}
	keys, err := s.repo.PermissionKeys(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load grants of role %d: %w", id, err)
	}
	return &entity.RoleGrants{Role: *r, Permissions: keys}, nil
}

// CreateInput is the payload for Create. Permissions is optional.
type CreateInput struct {
	Name        string   `json:"name"`
	Description *string  `json:"description,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Create adds a role and, when given, its initial grant set.
func (s *Service) Create(ctx context.Context, in CreateInput) (*entity.RoleGrants, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, ErrRoleNameRequired
	}
	id, err := s.repo.Create(ctx, name, in.Description)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, ErrRoleNameTaken
		}
		return nil, fmt.Errorf("create role: %w", err)
	}
	s.logger.Infow("role created", "role_id", id, "name", name)
	if len(in.Permissions) > 0 {
		return s.ReplacePermissions(ctx, id, in.Permissions)
	}
	return s.Get(ctx, id)
}

// ReplacePermissions sets the role's grants to exactly keys, atomically.
func (s *Service) ReplacePermissions(ctx context.Context, id int64, keys []string) (*entity.RoleGrants, error) {
	norm := normalizeKeys(keys)
	err := s.repo.ReplacePermissions(ctx, id, norm)
	var unknown *rolerepo.UnknownKeysError
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrRoleNotFound
	case errors.As(err, &unknown):
		return nil, fmt.Errorf("%w: %s", ErrUnknownPermission, strings.Join(unknown.Keys, ", "))
	case database.IsUniqueViolation(err):
		return nil, fmt.Errorf("%w: duplicate permission grant", apperr.ErrConflict)
	default:
		return nil, fmt.Errorf("replace grants of role %d: %w", id, err)
	}
	s.logger.Infow("role grants replaced", "role_id", id, "count", len(norm))
	return s.Get(ctx, id)
}

// Delete removes a role unless it is in the role table or identities still
// reference it.
func (s *Service) Delete(ctx context.Context, id int64) error {
	for _, e := range s.table.Entries() {
		if e.ID == id {
			return ErrRoleProtected
		}
	}
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRoleNotFound
		}
		return fmt.Errorf("load role %d: %w", id, err)
	}
	n, err := s.repo.CountAssignedUsers(ctx, id)
	if err != nil {
		return fmt.Errorf("count users of role %d: %w", id, err)
	}
	if n > 0 {
		return ErrRoleInUse
	}
	deleted, err := s.repo.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("delete role %d: %w", id, err)
	}
	if !deleted {
		// assigned or removed between the checks above and the delete
		return ErrRoleInUse
	}
	s.logger.Infow("role deleted", "role_id", id)
	return nil
}

func normalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
