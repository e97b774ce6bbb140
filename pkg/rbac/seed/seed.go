// Package seed holds the baseline roles and permissions every installation
// starts with, and applies them to a store.
package seed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/platinummonkey/entitle/pkg/rbac"
)

// Baseline role names
const (
	RoleSuperadmin = "superadmin"
	RoleAdmin      = "admin"
	RoleUser       = "user"
)

// Well-known principals of the demo fixture
var (
	AdminPrincipal = uuid.MustParse("550e8400-e29b-41d4-a716-446655440001")
	UserPrincipal  = uuid.MustParse("550e8400-e29b-41d4-a716-446655440002")
)

var permissionDescriptions = []struct {
	name, description string
}{
	{"rbac.roles.view", "View roles list"},
	{"rbac.roles.create", "Create new roles"},
	{"rbac.roles.edit", "Edit existing roles"},
	{"rbac.roles.delete", "Delete roles"},
	{"rbac.permissions.view", "View permissions list"},
	{"rbac.permissions.create", "Create permissions"},
	{"rbac.permissions.edit", "Edit permissions"},
	{"rbac.permissions.delete", "Delete permissions"},
	{"rbac.users.assign", "Assign roles and permissions to users"},
	{"rbac.matrix.view", "View permission matrix"},
	{"rbac.matrix.edit", "Edit permission matrix assignments"},
	{"dashboard.view", "View dashboard"},
	{"profile.view", "View own profile"},
	{"profile.edit", "Edit own profile"},
}

// UserPermissions are granted to the default user role
var UserPermissions = []string{"dashboard.view", "profile.view", "profile.edit"}

// AdminPermissions returns every rbac.* permission of the baseline
func AdminPermissions() []string {
	var names []string
	for _, p := range permissionDescriptions {
		if strings.HasPrefix(p.name, "rbac.") {
			names = append(names, p.name)
		}
	}
	return names
}

// Default returns the baseline: superadmin bypasses everything and holds no
// permission rows, admin holds every rbac.* permission and user is the
// default role.
func Default() Fixture {
	f := Fixture{
		Roles: []rbac.Role{
			{ID: 1, Name: RoleSuperadmin, Description: "Super Administrator with all system permissions", IsSystem: true, IsActive: true, SortOrder: 1},
			{ID: 2, Name: RoleAdmin, Description: "Administrator with RBAC management permissions", IsActive: true, SortOrder: 2},
			{ID: 3, Name: RoleUser, Description: "Default user role with basic permissions", IsDefault: true, IsActive: true, SortOrder: 3},
		},
		RolePermissions: []RoleGrant{
			{Role: RoleAdmin, Permissions: AdminPermissions()},
			{Role: RoleUser, Permissions: UserPermissions},
		},
	}
	for i, p := range permissionDescriptions {
		f.Permissions = append(f.Permissions, rbac.Permission{
			ID:          rbac.PermissionID(i + 1),
			Name:        p.name,
			Description: p.description,
			IsActive:    true,
		})
	}
	return f
}

// Demo is Default plus one admin and one regular principal
func Demo() Fixture {
	f := Default()
	f.Principals = []PrincipalGrant{
		{ID: AdminPrincipal.String(), Roles: []string{RoleAdmin}},
		{ID: UserPrincipal.String(), Roles: []string{RoleUser}},
	}
	return f
}

// Writer is the administrative surface Apply needs
type Writer interface {
	FindRoleByName(ctx context.Context, name string) (rbac.Role, error)
	CreateRole(ctx context.Context, role rbac.Role) (rbac.Role, error)
	CreatePermission(ctx context.Context, perm rbac.Permission) (rbac.Permission, error)
	AttachPermission(ctx context.Context, role rbac.RoleID, perm rbac.PermissionID) error
	AssignRole(ctx context.Context, principal rbac.PrincipalID, role rbac.RoleID) error
	GrantPermission(ctx context.Context, principal rbac.PrincipalID, perm rbac.PermissionID) error
}

// Apply writes f through w. It does nothing when the superadmin role already
// exists, so running it twice is safe. Store-assigned IDs replace fixture IDs,
// so parents and grants are linked by name.
func Apply(ctx context.Context, w Writer, f Fixture) (applied bool, err error) {
	if _, err := w.FindRoleByName(ctx, RoleSuperadmin); err == nil {
		return false, nil
	} else if !errors.Is(err, rbac.ErrNotFound) {
		return false, fmt.Errorf("failed to check existing seed: %w", err)
	}

	permIDs := make(map[string]rbac.PermissionID, len(f.Permissions))
	for _, p := range f.Permissions {
		created, err := w.CreatePermission(ctx, p)
		if err != nil {
			return false, fmt.Errorf("failed to create permission %s: %w", p.Name, err)
		}
		permIDs[p.Name] = created.ID
	}

	fixtureNames := make(map[rbac.RoleID]string, len(f.Roles))
	for _, r := range f.Roles {
		fixtureNames[r.ID] = r.Name
	}

	// parents first, so each child can point at a store ID
	roleIDs := make(map[string]rbac.RoleID, len(f.Roles))
	pending := append([]rbac.Role(nil), f.Roles...)
	for len(pending) > 0 {
		progressed := false
		rest := pending[:0]
		for _, r := range pending {
			if r.ParentID != nil {
				parentID, ok := roleIDs[fixtureNames[*r.ParentID]]
				if !ok {
					rest = append(rest, r)
					continue
				}
				r.ParentID = &parentID
			}
			created, err := w.CreateRole(ctx, r)
			if err != nil {
				return false, fmt.Errorf("failed to create role %s: %w", r.Name, err)
			}
			roleIDs[r.Name] = created.ID
			progressed = true
		}
		if !progressed {
			return false, fmt.Errorf("fixture roles form a parent cycle")
		}
		pending = rest
	}

	for _, g := range f.RolePermissions {
		for _, name := range g.Permissions {
			if err := w.AttachPermission(ctx, roleIDs[g.Role], permIDs[name]); err != nil {
				return false, fmt.Errorf("failed to attach %s to %s: %w", name, g.Role, err)
			}
		}
	}

	for _, p := range f.Principals {
		id, err := uuid.Parse(p.ID)
		if err != nil {
			return false, fmt.Errorf("invalid principal %q: %w", p.ID, err)
		}
		for _, name := range p.Roles {
			if err := w.AssignRole(ctx, id, roleIDs[name]); err != nil {
				return false, fmt.Errorf("failed to assign %s to %s: %w", name, id, err)
			}
		}
		for _, name := range p.Permissions {
			if err := w.GrantPermission(ctx, id, permIDs[name]); err != nil {
				return false, fmt.Errorf("failed to grant %s to %s: %w", name, id, err)
			}
		}
	}
	return true, nil
}
