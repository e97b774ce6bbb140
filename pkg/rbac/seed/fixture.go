package seed

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/entitle/pkg/rbac"
)

// Fixture is a complete set of roles, permissions and assignments, in the
// shape of the YAML fixture files
type Fixture struct {
	Roles           []rbac.Role       `yaml:"roles"`
	Permissions     []rbac.Permission `yaml:"permissions"`
	RolePermissions []RoleGrant       `yaml:"role_permissions"`
	Principals      []PrincipalGrant  `yaml:"principals,omitempty"`
}

// RoleGrant attaches permissions to a role, both by name
type RoleGrant struct {
	Role        string   `yaml:"role"`
	Permissions []string `yaml:"permissions"`
}

// PrincipalGrant assigns roles and direct permissions to a principal
type PrincipalGrant struct {
	ID          string   `yaml:"id"`
	Roles       []string `yaml:"roles,omitempty"`
	Permissions []string `yaml:"permissions,omitempty"`
}

// LoadFile reads and validates a YAML fixture
func LoadFile(path string) (Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("failed to read fixture: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML fixture
func Parse(data []byte) (Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("failed to parse fixture: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Fixture{}, err
	}
	return f, nil
}

// Validate checks names, uniqueness and that every reference resolves.
// It does not reject parent cycles; resolution reports those.
func (f Fixture) Validate() error {
	roleIDs := make(map[rbac.RoleID]bool, len(f.Roles))
	roleNames := make(map[string]bool, len(f.Roles))
	for _, r := range f.Roles {
		if r.Name == "" || len(r.Name) > rbac.MaxNameLength {
			return fmt.Errorf("role %d: name must be 1 to %d characters", r.ID, rbac.MaxNameLength)
		}
		if roleIDs[r.ID] {
			return fmt.Errorf("role %d: duplicate id", r.ID)
		}
		if roleNames[r.Name] {
			return fmt.Errorf("role %q: duplicate name", r.Name)
		}
		roleIDs[r.ID] = true
		roleNames[r.Name] = true
	}
	for _, r := range f.Roles {
		if r.ParentID != nil && !roleIDs[*r.ParentID] {
			return fmt.Errorf("role %q: parent %d does not exist", r.Name, *r.ParentID)
		}
	}

	permIDs := make(map[rbac.PermissionID]bool, len(f.Permissions))
	permNames := make(map[string]bool, len(f.Permissions))
	for _, p := range f.Permissions {
		if err := rbac.ValidatePermissionName(p.Name); err != nil {
			return fmt.Errorf("permission %d: %w", p.ID, err)
		}
		if permIDs[p.ID] {
			return fmt.Errorf("permission %d: duplicate id", p.ID)
		}
		if permNames[p.Name] {
			return fmt.Errorf("permission %q: duplicate name", p.Name)
		}
		permIDs[p.ID] = true
		permNames[p.Name] = true
	}

	for _, g := range f.RolePermissions {
		if !roleNames[g.Role] {
			return fmt.Errorf("role_permissions: unknown role %q", g.Role)
		}
		for _, name := range g.Permissions {
			if !permNames[name] {
				return fmt.Errorf("role_permissions: role %q: unknown permission %q", g.Role, name)
			}
		}
	}

	for _, p := range f.Principals {
		if _, err := uuid.Parse(p.ID); err != nil {
			return fmt.Errorf("principal %q: %w", p.ID, err)
		}
		for _, name := range p.Roles {
			if !roleNames[name] {
				return fmt.Errorf("principal %s: unknown role %q", p.ID, name)
			}
		}
		for _, name := range p.Permissions {
			if !permNames[name] {
				return fmt.Errorf("principal %s: unknown permission %q", p.ID, name)
			}
		}
	}
	return nil
}
