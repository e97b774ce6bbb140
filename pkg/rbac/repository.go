package rbac

import "context"

// Repository is the read side of the assignment tables. Implementations
// return committed facts and never filter on is_active or deleted_at; the
// engine applies those rules itself.
type Repository interface {
	// GetAssignedRoles returns the roles directly assigned to the principal
	GetAssignedRoles(ctx context.Context, principal PrincipalID) ([]RoleRef, error)

	// GetRoleByID returns a role or ErrNotFound
	GetRoleByID(ctx context.Context, id RoleID) (RoleRef, error)

	// GetDirectPermissions returns permissions granted to the principal
	// without a role
	GetDirectPermissions(ctx context.Context, principal PrincipalID) ([]PermissionRef, error)

	// GetRolePermissions returns the permissions attached to a role
	GetRolePermissions(ctx context.Context, id RoleID) ([]PermissionRef, error)
}
