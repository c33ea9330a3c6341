package role

import (
	"fmt"
	"strings"

	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/permission"
)

// Subject is the authenticated caller as authorization checks see it.
type Subject struct {
	ID          int64
	RoleID      *int64
	RoleName    string
	Permissions permission.Set
}

// Ref names a role either by id or by name.
type Ref struct {
	id   int64
	name string
}

// ByID refers to a role by its id.
func ByID(id int64) Ref { return Ref{id: id} }

// ByName refers to a role by its case-insensitive name.
func ByName(name string) Ref { return Ref{name: name} }

func (r Ref) String() string {
	if r.name != "" {
		return r.name
	}
	return fmt.Sprintf("#%d", r.id)
}

// Allowed is a compiled role allow-list.
type Allowed struct {
	ids   map[int64]struct{}
	names map[string]struct{}
}

func (a Allowed) contains(s Subject) bool {
	if s.RoleID != nil {
		if _, ok := a.ids[*s.RoleID]; ok {
			return true
		}
	}
	if s.RoleName != "" {
		if _, ok := a.names[strings.ToLower(s.RoleName)]; ok {
			return true
		}
	}
	return false
}

// Authorizer answers role-based questions about a Subject. Decisions are
// plain booleans; a denial is never an error.
type Authorizer struct {
	table Table
}

func NewAuthorizer(t Table) *Authorizer {
	return &Authorizer{table: t}
}

// Table returns the role table the authorizer resolves names with.
func (a *Authorizer) Table() Table { return a.table }

// Compile resolves refs into an allow-list. A name missing from the role
// table or a non-positive id is a wiring mistake and is reported as an error.
func (a *Authorizer) Compile(refs ...Ref) (Allowed, error) {
	al := Allowed{ids: make(map[int64]struct{}, len(refs)), names: make(map[string]struct{}, len(refs))}
	for _, r := range refs {
		if r.name != "" {
			id, ok := a.table.IDOf(r.name)
			if !ok {
				return Allowed{}, fmt.Errorf("role %q is not in the role table", r.name)
			}
			al.ids[id] = struct{}{}
			al.names[strings.ToLower(strings.TrimSpace(r.name))] = struct{}{}
			continue
		}
		if r.id <= 0 {
			return Allowed{}, fmt.Errorf("invalid role id %d", r.id)
		}
		al.ids[r.id] = struct{}{}
	}
	return al, nil
}

// MustCompile is Compile for route wiring; it panics on a bad reference.
func (a *Authorizer) MustCompile(refs ...Ref) Allowed {
	al, err := a.Compile(refs...)
	if err != nil {
		panic(err)
	}
	return al
}

// AuthorizeRoles grants when the subject's role id or name is allowed.
func (a *Authorizer) AuthorizeRoles(s Subject, allowed Allowed) bool {
	return allowed.contains(s)
}

// AuthorizeRoleOrPermission grants on an allowed role without looking at
// permissions, and otherwise falls back to any-of permission matching.
func (a *Authorizer) AuthorizeRoleOrPermission(s Subject, allowed Allowed, required ...string) bool {
	if allowed.contains(s) {
		return true
	}
	return permission.Any(s.Permissions, required...)
}

// AuthorizeAny is any-of permission matching with synonyms.
func (a *Authorizer) AuthorizeAny(s Subject, required ...string) bool {
	return permission.Any(s.Permissions, required...)
}

// AuthorizeAll is exact all-of permission matching.
func (a *Authorizer) AuthorizeAll(s Subject, required ...string) bool {
	return permission.All(s.Permissions, required...)
}

// IsAdmin reports whether the subject holds the admin role id.
func (a *Authorizer) IsAdmin(s Subject) bool {
	return s.RoleID != nil && *s.RoleID == a.table.AdminID()
}

// AuthorizeOwnerOrAdmin grants admins and the subject acting on itself.
func (a *Authorizer) AuthorizeOwnerOrAdmin(s Subject, targetID int64) bool {
	return a.IsAdmin(s) || s.ID == targetID
}
