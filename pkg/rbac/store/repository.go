package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/platinummonkey/entitle/pkg/rbac"
)

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// PostgresRepository serves assignment facts to the authorizer. Rows are
// returned as stored; usability filtering is the engine's job.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repository over db
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanRoleRef(s scanner) (rbac.RoleRef, error) {
	var ref rbac.RoleRef
	var parentID sql.NullInt64
	var deletedAt sql.NullTime
	if err := s.Scan(&ref.ID, &ref.Name, &ref.IsActive, &ref.IsSystem, &parentID, &deletedAt); err != nil {
		return rbac.RoleRef{}, err
	}
	if parentID.Valid {
		id := rbac.RoleID(parentID.Int64)
		ref.ParentID = &id
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		ref.DeletedAt = &t
	}
	return ref, nil
}

func scanPermissionRef(s scanner) (rbac.PermissionRef, error) {
	var ref rbac.PermissionRef
	var deletedAt sql.NullTime
	if err := s.Scan(&ref.ID, &ref.Name, &ref.IsActive, &deletedAt); err != nil {
		return rbac.PermissionRef{}, err
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		ref.DeletedAt = &t
	}
	return ref, nil
}

// GetAssignedRoles returns the roles directly assigned to principal
func (r *PostgresRepository) GetAssignedRoles(ctx context.Context, principal rbac.PrincipalID) ([]rbac.RoleRef, error) {
	query := `
		SELECT r.id, r.name, r.is_active, r.is_system, r.parent_id, r.deleted_at
		FROM users_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		ORDER BY r.sort_order, r.id
	`

	rows, err := r.db.QueryContext(ctx, query, principal.String())
	if err != nil {
		return nil, &rbac.RepositoryError{Op: "get assigned roles", Err: err}
	}
	defer rows.Close()

	var refs []rbac.RoleRef
	for rows.Next() {
		ref, err := scanRoleRef(rows)
		if err != nil {
			return nil, &rbac.RepositoryError{Op: "scan assigned role", Err: err}
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, &rbac.RepositoryError{Op: "get assigned roles", Err: err}
	}
	return refs, nil
}

// GetRoleByID returns one role, or rbac.ErrNotFound
func (r *PostgresRepository) GetRoleByID(ctx context.Context, id rbac.RoleID) (rbac.RoleRef, error) {
	query := `
		SELECT id, name, is_active, is_system, parent_id, deleted_at
		FROM roles
		WHERE id = $1
	`

	ref, err := scanRoleRef(r.db.QueryRowContext(ctx, query, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.RoleRef{}, rbac.ErrNotFound
	}
	if err != nil {
		return rbac.RoleRef{}, &rbac.RepositoryError{Op: "get role", Err: err}
	}
	return ref, nil
}

// GetDirectPermissions returns permissions granted to principal without a
// role
func (r *PostgresRepository) GetDirectPermissions(ctx context.Context, principal rbac.PrincipalID) ([]rbac.PermissionRef, error) {
	query := `
		SELECT p.id, p.name, p.is_active, p.deleted_at
		FROM users_permissions up
		JOIN permissions p ON p.id = up.permission_id
		WHERE up.user_id = $1
	`
	return r.queryPermissions(ctx, "get direct permissions", query, principal.String())
}

// GetRolePermissions returns the permissions attached to a role
func (r *PostgresRepository) GetRolePermissions(ctx context.Context, id rbac.RoleID) ([]rbac.PermissionRef, error) {
	query := `
		SELECT p.id, p.name, p.is_active, p.deleted_at
		FROM roles_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
	`
	return r.queryPermissions(ctx, "get role permissions", query, int64(id))
}

func (r *PostgresRepository) queryPermissions(ctx context.Context, op, query string, arg interface{}) ([]rbac.PermissionRef, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, &rbac.RepositoryError{Op: op, Err: err}
	}
	defer rows.Close()

	var refs []rbac.PermissionRef
	for rows.Next() {
		ref, err := scanPermissionRef(rows)
		if err != nil {
			return nil, &rbac.RepositoryError{Op: op, Err: err}
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, &rbac.RepositoryError{Op: op, Err: err}
	}
	return refs, nil
}

// Principals lists every principal holding at least one assignment
func (r *PostgresRepository) Principals(ctx context.Context) ([]rbac.PrincipalID, error) {
	query := `
		SELECT user_id FROM users_roles
		UNION
		SELECT user_id FROM users_permissions
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &rbac.RepositoryError{Op: "list principals", Err: err}
	}
	defer rows.Close()

	var out []rbac.PrincipalID
	for rows.Next() {
		var principal rbac.PrincipalID
		if err := rows.Scan(&principal); err != nil {
			return nil, &rbac.RepositoryError{Op: "scan principal", Err: err}
		}
		out = append(out, principal)
	}
	if err := rows.Err(); err != nil {
		return nil, &rbac.RepositoryError{Op: "list principals", Err: err}
	}
	return out, nil
}
