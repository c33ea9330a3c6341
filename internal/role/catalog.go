package role

import "github.com/ovaphlow/pitchfork/service-crm-auth/internal/role/entity"

// Catalog is the permission set a fresh schema starts with.
var Catalog = []entity.Permission{
	{Key: "users.create", Name: "Create Users"},
	{Key: "users.read", Name: "Read Users"},
	{Key: "users.update", Name: "Update Users"},
	{Key: "users.delete", Name: "Delete Users"},
	{Key: "roles.create", Name: "Create Roles"},
	{Key: "roles.read", Name: "Read Roles"},
	{Key: "roles.update", Name: "Update Roles"},
	{Key: "roles.delete", Name: "Delete Roles"},
	{Key: "leads.create", Name: "Create Leads"},
	{Key: "leads.read", Name: "Read Leads"},
	{Key: "leads.update", Name: "Update Leads"},
	{Key: "leads.delete", Name: "Delete Leads"},
	{Key: "settings.read", Name: "Read Settings"},
	{Key: "settings.update", Name: "Update Settings"},
}

var defaultGrants = map[string][]string{
	"manager": {"users.read", "users.update", "roles.read", "leads.create", "leads.read", "leads.update", "settings.read"},
	"user":    {"leads.create", "leads.read", "users.read"},
}

// DefaultGrants maps the ids of t to their initial permission keys. The
// admin role gets the whole catalog; roles missing from t are skipped.
func DefaultGrants(t Table) map[int64][]string {
	out := make(map[int64][]string)
	all := make([]string, 0, len(Catalog))
	for _, p := range Catalog {
		all = append(all, p.Key)
	}
	out[t.AdminID()] = all
	for name, keys := range defaultGrants {
		if id, ok := t.IDOf(name); ok && id != t.AdminID() {
			out[id] = keys
		}
	}
	return out
}
