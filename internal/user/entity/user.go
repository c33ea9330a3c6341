package entity

import "time"

// Identity is a row of the `users` table joined with its role name.
// Identities are deactivated, never hard-deleted.
type Identity struct {
	ID                int64      `db:"id"`
	Email             string     `db:"email"`
	Name              string     `db:"name"`
	PasswordHash      string     `db:"password_hash"`
	RoleID            *int64     `db:"role_id"`
	RoleName          *string    `db:"role_name"`
	RoleActive        *bool      `db:"role_active"`
	IsActive          bool       `db:"is_active"`
	PasswordUpdatedAt *time.Time `db:"password_updated_at"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
	DeactivatedAt     *time.Time `db:"deactivated_at"`
}

// DefaultRoleName is reported for identities without a role.
const DefaultRoleName = "user"

// Role returns the role name, DefaultRoleName when none is assigned.
func (i *Identity) Role() string {
	if i.RoleName == nil || *i.RoleName == "" {
		return DefaultRoleName
	}
	return *i.RoleName
}

// Principal is an identity together with the permission keys its role grants.
type Principal struct {
	Identity
	Permissions []string
}

// View is the client-facing projection of a principal.
type View struct {
	ID          int64    `json:"id"`
	Email       string   `json:"email"`
	Name        string   `json:"name"`
	RoleID      *int64   `json:"roleId"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

func (p *Principal) View() View {
	perms := p.Permissions
	if perms == nil {
		perms = []string{}
	}
	return View{
		ID:          p.ID,
		Email:       p.Email,
		Name:        p.Name,
		RoleID:      p.RoleID,
		Role:        p.Role(),
		Permissions: perms,
	}
}
