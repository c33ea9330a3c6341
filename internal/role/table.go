package role

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/role/entity"
)

// Well-known role ids of the seed contract.
const (
	AdminID   int64 = 1
	ManagerID int64 = 2
	UserID    int64 = 3
)

// Table maps well-known role names to ids. It is a fixed contract with the
// seeded `roles` table, checked at startup by VerifyTable.
type Table struct {
	adminID int64
	byName  map[string]int64
}

// TableEntry is one row of a role table file.
type TableEntry struct {
	ID   int64  `yaml:"id"`
	Name string `yaml:"name"`
}

type tableFile struct {
	AdminRole string       `yaml:"admin_role"`
	Roles     []TableEntry `yaml:"roles"`
}

// DefaultTable is {admin:1, manager:2, user:3} with admin as the admin role.
func DefaultTable() Table {
	t, _ := NewTable("admin", []TableEntry{
		{ID: AdminID, Name: "admin"},
		{ID: ManagerID, Name: "manager"},
		{ID: UserID, Name: "user"},
	})
	return t
}

// NewTable builds a table. Names are case-insensitive and must be unique,
// as must ids; adminRole must be one of the names.
func NewTable(adminRole string, entries []TableEntry) (Table, error) {
	t := Table{byName: make(map[string]int64, len(entries))}
	seen := make(map[int64]string, len(entries))
	for _, e := range entries {
		name := strings.ToLower(strings.TrimSpace(e.Name))
		if name == "" || e.ID <= 0 {
			return Table{}, fmt.Errorf("role table: invalid entry %+v", e)
		}
		if _, dup := t.byName[name]; dup {
			return Table{}, fmt.Errorf("role table: duplicate name %q", name)
		}
		if other, dup := seen[e.ID]; dup {
			return Table{}, fmt.Errorf("role table: id %d used by %q and %q", e.ID, other, name)
		}
		t.byName[name] = e.ID
		seen[e.ID] = name
	}
	id, ok := t.byName[strings.ToLower(strings.TrimSpace(adminRole))]
	if !ok {
		return Table{}, fmt.Errorf("role table: admin role %q not listed", adminRole)
	}
	t.adminID = id
	return t, nil
}

// LoadTable reads a YAML role table file.
func LoadTable(path string) (Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read role table: %w", err)
	}
	var f tableFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Table{}, fmt.Errorf("parse role table %s: %w", path, err)
	}
	if f.AdminRole == "" {
		f.AdminRole = "admin"
	}
	return NewTable(f.AdminRole, f.Roles)
}

// AdminID is the id whose holders pass every owner-or-admin check.
func (t Table) AdminID() int64 { return t.adminID }

// IDOf resolves a role name, case-insensitively.
func (t Table) IDOf(name string) (int64, bool) {
	id, ok := t.byName[strings.ToLower(strings.TrimSpace(name))]
	return id, ok
}

// Entries returns the table sorted by id.
func (t Table) Entries() []TableEntry {
	out := make([]TableEntry, 0, len(t.byName))
	for name, id := range t.byName {
		out = append(out, TableEntry{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Rows returns the table as role rows for seeding an empty store.
func (t Table) Rows() []entity.Role {
	entries := t.Entries()
	out := make([]entity.Role, 0, len(entries))
	for _, e := range entries {
		out = append(out, entity.Role{ID: e.ID, Name: e.Name, IsActive: true})
	}
	return out
}

// Lister is the part of the role store VerifyTable needs.
type Lister interface {
	List(ctx context.Context) ([]entity.Role, error)
}

// ErrTableMismatch means the role table and the roles store disagree.
var ErrTableMismatch = errors.New("role table does not match stored roles")

// VerifyTable checks every table entry exists in the store with the same id
// and name. The service must not start when this fails.
func VerifyTable(ctx context.Context, store Lister, t Table) error {
	roles, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("list roles: %w", err)
	}
	byID := make(map[int64]string, len(roles))
	for _, r := range roles {
		byID[r.ID] = strings.ToLower(r.Name)
	}
	var problems []string
	for _, e := range t.Entries() {
		stored, ok := byID[e.ID]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("%s: id %d missing", e.Name, e.ID))
		case stored != e.Name:
			problems = append(problems, fmt.Sprintf("%s: id %d is stored as %q", e.Name, e.ID, stored))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrTableMismatch, strings.Join(problems, "; "))
	}
	return nil
}
