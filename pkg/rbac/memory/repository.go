// Package memory implements rbac.Repository over an in-process snapshot
// loaded from a fixture. Snapshots are replaced atomically, so readers never
// observe a half-applied reload.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/platinummonkey/entitle/pkg/rbac"
	"github.com/platinummonkey/entitle/pkg/rbac/seed"
)

type snapshot struct {
	roles           map[rbac.RoleID]rbac.Role
	permissions     map[rbac.PermissionID]rbac.Permission
	rolePermissions map[rbac.RoleID][]rbac.PermissionID
	principalRoles  map[rbac.PrincipalID][]rbac.RoleID
	principalPerms  map[rbac.PrincipalID][]rbac.PermissionID
}

// Repository serves assignment facts from memory
type Repository struct {
	mu   sync.RWMutex
	snap *snapshot
}

// New builds a repository from a validated fixture
func New(f seed.Fixture) (*Repository, error) {
	snap, err := build(f)
	if err != nil {
		return nil, err
	}
	return &Repository{snap: snap}, nil
}

// Replace swaps in a new fixture
func (r *Repository) Replace(f seed.Fixture) error {
	snap, err := build(f)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()
	return nil
}

func (r *Repository) current() *snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

func build(f seed.Fixture) (*snapshot, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	s := &snapshot{
		roles:           make(map[rbac.RoleID]rbac.Role, len(f.Roles)),
		permissions:     make(map[rbac.PermissionID]rbac.Permission, len(f.Permissions)),
		rolePermissions: make(map[rbac.RoleID][]rbac.PermissionID),
		principalRoles:  make(map[rbac.PrincipalID][]rbac.RoleID),
		principalPerms:  make(map[rbac.PrincipalID][]rbac.PermissionID),
	}

	roleByName := make(map[string]rbac.RoleID, len(f.Roles))
	for _, role := range f.Roles {
		s.roles[role.ID] = role
		roleByName[role.Name] = role.ID
	}
	permByName := make(map[string]rbac.PermissionID, len(f.Permissions))
	for _, perm := range f.Permissions {
		s.permissions[perm.ID] = perm
		permByName[perm.Name] = perm.ID
	}

	for _, g := range f.RolePermissions {
		id := roleByName[g.Role]
		for _, name := range g.Permissions {
			s.rolePermissions[id] = appendUnique(s.rolePermissions[id], permByName[name])
		}
	}

	for _, p := range f.Principals {
		principal, err := uuid.Parse(p.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid principal %q: %w", p.ID, err)
		}
		for _, name := range p.Roles {
			s.principalRoles[principal] = appendUnique(s.principalRoles[principal], roleByName[name])
		}
		for _, name := range p.Permissions {
			s.principalPerms[principal] = appendUnique(s.principalPerms[principal], permByName[name])
		}
	}
	return s, nil
}

func appendUnique[T comparable](list []T, v T) []T {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func (s *snapshot) permissionRefs(ids []rbac.PermissionID) []rbac.PermissionRef {
	refs := make([]rbac.PermissionRef, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.permissions[id]; ok {
			refs = append(refs, p.Ref())
		}
	}
	return refs
}

// GetAssignedRoles returns the roles assigned to principal
func (r *Repository) GetAssignedRoles(ctx context.Context, principal rbac.PrincipalID) ([]rbac.RoleRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := r.current()
	ids := s.principalRoles[principal]
	refs := make([]rbac.RoleRef, 0, len(ids))
	for _, id := range ids {
		if role, ok := s.roles[id]; ok {
			refs = append(refs, role.Ref())
		}
	}
	return refs, nil
}

// GetRoleByID returns one role or rbac.ErrNotFound
func (r *Repository) GetRoleByID(ctx context.Context, id rbac.RoleID) (rbac.RoleRef, error) {
	if err := ctx.Err(); err != nil {
		return rbac.RoleRef{}, err
	}
	role, ok := r.current().roles[id]
	if !ok {
		return rbac.RoleRef{}, rbac.ErrNotFound
	}
	return role.Ref(), nil
}

// GetDirectPermissions returns permissions granted to principal without a role
func (r *Repository) GetDirectPermissions(ctx context.Context, principal rbac.PrincipalID) ([]rbac.PermissionRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := r.current()
	return s.permissionRefs(s.principalPerms[principal]), nil
}

// GetRolePermissions returns the permissions attached to a role
func (r *Repository) GetRolePermissions(ctx context.Context, id rbac.RoleID) ([]rbac.PermissionRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := r.current()
	return s.permissionRefs(s.rolePermissions[id]), nil
}

// Principals lists every principal with at least one assignment
func (r *Repository) Principals() []rbac.PrincipalID {
	s := r.current()
	seen := make(map[rbac.PrincipalID]bool)
	var out []rbac.PrincipalID
	for p := range s.principalRoles {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for p := range s.principalPerms {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
