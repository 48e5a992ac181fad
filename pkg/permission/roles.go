package permission

import (
	"errors"
	"sort"
	"sync"

	"github.com/tyemirov/learnauth/pkg/identity"
)

var (
	// ErrSystemManagedRole indicates an attempt to modify a role the platform owns.
	ErrSystemManagedRole = errors.New("permission.role.system_managed")
	// ErrUnknownRole indicates the role is not registered in the catalog.
	ErrUnknownRole = errors.New("permission.role.unknown")
	// ErrEmptyRoleName indicates a role without a name.
	ErrEmptyRoleName = errors.New("permission.role.empty_name")
)

// Role is a named bundle of capabilities. System-managed roles are owned by
// the platform and cannot be edited or removed by administrators.
type Role struct {
	Name            string   `json:"name"`
	DisplayName     string   `json:"display_name"`
	IsSystemManaged bool     `json:"is_system_managed"`
	Capabilities    []string `json:"capabilities"`
}

// CanEdit reports whether administrators may change the role.
func (role Role) CanEdit() bool {
	return !role.IsSystemManaged
}

// Catalog holds the known roles.
type Catalog struct {
	mutex sync.RWMutex
	roles map[string]Role
}

// NewCatalog constructs a catalog seeded with roles.
func NewCatalog(roles ...Role) *Catalog {
	catalog := &Catalog{roles: make(map[string]Role, len(roles))}
	for _, role := range roles {
		catalog.roles[role.Name] = cloneRole(role)
	}
	return catalog
}

// DefaultCatalog returns the platform roles: a system-managed super admin
// holding the wildcard and a regular client role.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Role{
			Name:            identity.RoleSuperAdmin,
			DisplayName:     "Super Admin",
			IsSystemManaged: true,
			Capabilities:    []string{identity.CapabilityAll},
		},
		Role{
			Name:         identity.RoleClient,
			DisplayName:  "Client",
			Capabilities: []string{"read:problems", "submit:solutions", "view:discussions"},
		},
	)
}

// Lookup returns the named role.
func (catalog *Catalog) Lookup(name string) (Role, bool) {
	catalog.mutex.RLock()
	defer catalog.mutex.RUnlock()
	role, ok := catalog.roles[name]
	if !ok {
		return Role{}, false
	}
	return cloneRole(role), true
}

// CapabilitiesFor returns the capabilities granted by the named role.
func (catalog *Catalog) CapabilitiesFor(name string) []string {
	role, ok := catalog.Lookup(name)
	if !ok {
		return nil
	}
	return role.Capabilities
}

// Upsert creates or replaces an editable role.
func (catalog *Catalog) Upsert(role Role) error {
	if role.Name == "" {
		return ErrEmptyRoleName
	}
	catalog.mutex.Lock()
	defer catalog.mutex.Unlock()
	if existing, ok := catalog.roles[role.Name]; ok && existing.IsSystemManaged {
		return ErrSystemManagedRole
	}
	catalog.roles[role.Name] = cloneRole(role)
	return nil
}

// Remove deletes an editable role.
func (catalog *Catalog) Remove(name string) error {
	catalog.mutex.Lock()
	defer catalog.mutex.Unlock()
	existing, ok := catalog.roles[name]
	if !ok {
		return ErrUnknownRole
	}
	if existing.IsSystemManaged {
		return ErrSystemManagedRole
	}
	delete(catalog.roles, name)
	return nil
}

// List returns every role ordered by name.
func (catalog *Catalog) List() []Role {
	catalog.mutex.RLock()
	defer catalog.mutex.RUnlock()
	roles := make([]Role, 0, len(catalog.roles))
	for _, role := range catalog.roles {
		roles = append(roles, cloneRole(role))
	}
	sort.Slice(roles, func(left, right int) bool {
		return roles[left].Name < roles[right].Name
	})
	return roles
}

func cloneRole(role Role) Role {
	cloned := role
	cloned.Capabilities = append([]string(nil), role.Capabilities...)
	return cloned
}
