package connector

// NotLinkedExternalID marks an internal user that is not managed by the
// external directory. Such users never take part in correlation.
const NotLinkedExternalID = "-1"

// User is the directory-agnostic identity moved from the external directory
// into the internal one.
type User struct {
	// ID is empty until a directory assigns one. Inside a run it holds the
	// external id until the user is resolved against the internal directory.
	ID        string  `json:"id"`
	Username  string  `json:"username"`
	Email     string  `json:"email"`
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	Enabled   *bool   `json:"enabled,omitempty"`
	Password  string  `json:"-"` // creation only
	Roles     []Role  `json:"roles"`
	Groups    []Group `json:"groups"`
}

// Role is a tenant-scoped permission grant.
type Role struct {
	// ID is the catalog role the grant resolves to.
	ID     string `json:"id"`
	Tenant string `json:"tenant"`
	// Name is the display name as the external directory knows it.
	Name string `json:"name"`
	// Catalog is the name of the catalog role behind ID.
	Catalog string `json:"catalog"`
}

// Key is the "{tenant}|{role}" form used in the role catalog.
func (r Role) Key() string {
	if r.Tenant == "" {
		return r.Name
	}
	return r.Tenant + "|" + r.Name
}

// Group is a tenant container. Name equality joins external customers with
// internal groups.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// IndexEntry correlates an internal user with its external counterpart.
type IndexEntry struct {
	InternalID string `json:"internal_id"`
	ExternalID string `json:"external_id"`
}

// PasswordHash is the hash material the external directory exposes for a user.
type PasswordHash struct {
	Value      string `json:"value"`
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
}

// PasswordMaterial is a password hash bound to the internal user it belongs to.
type PasswordMaterial struct {
	Email      string
	InternalID string
	Hash       PasswordHash
}

// GrantedRoles returns the user's roles with duplicate ids removed, keeping
// the first occurrence.
func (u User) GrantedRoles() []Role {
	seen := make(map[string]struct{}, len(u.Roles))
	out := make([]Role, 0, len(u.Roles))
	for _, r := range u.Roles {
		if r.ID == "" {
			continue
		}
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out
}

// InGroup reports whether the user belongs to the named group.
func (u User) InGroup(name string) bool {
	for _, g := range u.Groups {
		if g.Name == name {
			return true
		}
	}
	return false
}

// RoleNamesForTenant returns the plain role names granted for tenant.
func RoleNamesForTenant(roles []Role, tenant string) []string {
	var names []string
	for _, r := range roles {
		if r.Tenant != tenant || r.Tenant == "" {
			continue
		}
		names = append(names, r.Name)
	}
	return names
}
