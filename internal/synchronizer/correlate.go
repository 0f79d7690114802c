package synchronizer

import (
	"strings"

	"github.com/dhawalhost/dirsync/internal/connector"
)

// RolePolicy resolves external (tenant, role) pairs against the internal role
// catalog. Unknown pairs fall back to the default role, keeping the external
// display name.
type RolePolicy struct {
	byKey       map[string]connector.Role
	defaultRole *connector.Role
}

// NewRolePolicy indexes catalog by role name. defaultRoleName names the
// directory-wide fallback role; it may be absent from the catalog.
func NewRolePolicy(catalog []connector.Role, defaultRoleName string) RolePolicy {
	p := RolePolicy{byKey: make(map[string]connector.Role, len(catalog))}
	for _, r := range catalog {
		name := r.Catalog
		if name == "" {
			name = r.Name
		}
		r.Catalog = name
		p.byKey[name] = r
		if name == defaultRoleName && p.defaultRole == nil {
			def := r
			p.defaultRole = &def
		}
	}
	return p
}

// Resolve maps a tenant role to a catalog role by exact "{tenant}|{role}"
// match. Without a match the default role id is used. The ID stays empty when
// neither exists.
func (p RolePolicy) Resolve(tenant, name string) connector.Role {
	role := connector.Role{Tenant: tenant, Name: name}
	if r, ok := p.byKey[role.Key()]; ok {
		role.ID = r.ID
		role.Catalog = r.Catalog
		return role
	}
	if p.defaultRole != nil {
		role.ID = p.defaultRole.ID
		role.Catalog = p.defaultRole.Catalog
	}
	return role
}

// Default returns the default role when the catalog has one.
func (p RolePolicy) Default() (connector.Role, bool) {
	if p.defaultRole == nil || p.defaultRole.ID == "" {
		return connector.Role{}, false
	}
	return connector.Role{ID: p.defaultRole.ID, Name: p.defaultRole.Catalog, Catalog: p.defaultRole.Catalog}, true
}

// Scope restricts a run to one tenant. The zero value covers every tenant.
type Scope struct {
	Tenant     string
	CustomerID int
}

// All reports whether the scope is untenanted.
func (s Scope) All() bool {
	return s.Tenant == ""
}

// BuildUsers turns external users into canonical users. Users outside the
// scope are dropped, as are memberships of customers with no internal group.
// The returned users carry their external id in ID.
func BuildUsers(external []connector.ExternalUser, groups []connector.Group, policy RolePolicy, scope Scope) []connector.User {
	groupByName := make(map[string]connector.Group, len(groups))
	for _, g := range groups {
		groupByName[g.Name] = g
	}
	def, hasDefault := policy.Default()

	users := make([]connector.User, 0, len(external))
	for _, ext := range external {
		var known []connector.CustomerMembership
		for _, cu := range ext.Customers {
			if _, ok := groupByName[cu.Name]; ok {
				known = append(known, cu)
			}
		}
		if !scope.All() && !hasCustomer(known, scope.CustomerID) {
			continue
		}

		user := connector.User{
			ID:        ext.ExternalID(),
			Username:  ext.Username,
			Email:     ext.Email,
			FirstName: ext.FirstName,
			LastName:  ext.LastName,
			Enabled:   ext.IsActive,
		}
		for _, cu := range known {
			for _, name := range cu.Roles {
				user.Roles = append(user.Roles, policy.Resolve(cu.Name, name))
			}
			user.Groups = append(user.Groups, groupByName[cu.Name])
		}
		if hasDefault {
			user.Roles = append(user.Roles, def)
		}
		users = append(users, user)
	}
	return users
}

func hasCustomer(memberships []connector.CustomerMembership, id int) bool {
	for _, cu := range memberships {
		if cu.ID == id {
			return true
		}
	}
	return false
}

// BuildIndex maps external ids to internal ids, skipping unlinked entries.
func BuildIndex(entries []connector.IndexEntry) map[string]string {
	index := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.ExternalID == "" || e.ExternalID == connector.NotLinkedExternalID {
			continue
		}
		if _, dup := index[e.ExternalID]; dup {
			continue
		}
		index[e.ExternalID] = e.InternalID
	}
	return index
}

// Managed is the part of the internal directory that synchronization owns:
// tenant groups and the "{tenant}|{role}" roles scoped to them. Other roles
// and groups on a user are never revoked. The default role is not managed.
type Managed struct {
	roles  map[string]struct{}
	groups map[string]struct{}
}

// NewManaged derives the managed set from the group and role catalogs.
func NewManaged(groups []connector.Group, roles []connector.Role, defaultRoleName string) Managed {
	m := Managed{
		roles:  make(map[string]struct{}),
		groups: make(map[string]struct{}, len(groups)),
	}
	tenants := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		m.groups[g.ID] = struct{}{}
		tenants[g.Name] = struct{}{}
	}
	for _, r := range roles {
		name := r.Catalog
		if name == "" {
			name = r.Name
		}
		if name == defaultRoleName {
			continue
		}
		tenant, _, ok := strings.Cut(name, "|")
		if !ok {
			continue
		}
		if _, known := tenants[tenant]; known {
			m.roles[r.ID] = struct{}{}
		}
	}
	return m
}

// StaleRoles returns the managed roles in current that user no longer holds.
func (m Managed) StaleRoles(current []connector.Role, user connector.User) []connector.Role {
	keep := make(map[string]struct{}, len(user.Roles))
	for _, r := range user.GrantedRoles() {
		keep[r.ID] = struct{}{}
	}
	var stale []connector.Role
	for _, r := range current {
		if _, ok := m.roles[r.ID]; !ok {
			continue
		}
		if _, ok := keep[r.ID]; !ok {
			stale = append(stale, r)
		}
	}
	return stale
}

// StaleGroups returns the managed groups in current that user no longer
// belongs to.
func (m Managed) StaleGroups(current []connector.Group, user connector.User) []connector.Group {
	keep := make(map[string]struct{}, len(user.Groups))
	for _, g := range user.Groups {
		keep[g.ID] = struct{}{}
	}
	var stale []connector.Group
	for _, g := range current {
		if _, ok := m.groups[g.ID]; !ok {
			continue
		}
		if _, ok := keep[g.ID]; !ok {
			stale = append(stale, g)
		}
	}
	return stale
}
