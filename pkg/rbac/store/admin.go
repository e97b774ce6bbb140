package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/entitle/pkg/observability"
	"github.com/platinummonkey/entitle/pkg/rbac"
)

// Invalidator drops cached decisions made stale by a write
type Invalidator interface {
	InvalidateCacheFor(ctx context.Context, principal rbac.PrincipalID) error
	InvalidateAll(ctx context.Context) error
}

// Admin performs validated writes against the RBAC tables. Writes touching
// one principal invalidate that principal; writes to roles, permissions or
// role permission rows invalidate everything.
type Admin struct {
	db          *sql.DB
	repo        *PostgresRepository
	invalidator Invalidator
	logger      *observability.Logger
	now         func() time.Time
}

// NewAdmin creates an Admin. invalidator may be nil.
func NewAdmin(db *sql.DB, invalidator Invalidator, logger *observability.Logger) *Admin {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Admin{
		db:          db,
		repo:        NewPostgresRepository(db),
		invalidator: invalidator,
		logger:      logger.WithField("component", "rbac_admin"),
		now:         time.Now,
	}
}

// invalidateAll and invalidatePrincipal never fail the write that
// triggered them; entries still expire with the cache TTL
func (a *Admin) invalidateAll(ctx context.Context) {
	if a.invalidator == nil {
		return
	}
	if err := a.invalidator.InvalidateAll(ctx); err != nil {
		a.logger.WithError(err).Warn("cache invalidation failed after write")
	}
}

func (a *Admin) invalidatePrincipal(ctx context.Context, principal rbac.PrincipalID) {
	if a.invalidator == nil {
		return
	}
	if err := a.invalidator.InvalidateCacheFor(ctx, principal); err != nil {
		a.logger.WithError(err).WithField("principal_id", principal.String()).Warn("cache invalidation failed after write")
	}
}

const roleColumns = `id, name, description, is_system, is_default, is_active, sort_order, parent_id, deleted_at, created, modified`

func scanRole(s scanner) (rbac.Role, error) {
	var role rbac.Role
	var description sql.NullString
	var parentID sql.NullInt64
	var deletedAt sql.NullTime
	err := s.Scan(
		&role.ID,
		&role.Name,
		&description,
		&role.IsSystem,
		&role.IsDefault,
		&role.IsActive,
		&role.SortOrder,
		&parentID,
		&deletedAt,
		&role.CreatedAt,
		&role.ModifiedAt,
	)
	if err != nil {
		return rbac.Role{}, err
	}
	role.Description = description.String
	if parentID.Valid {
		id := rbac.RoleID(parentID.Int64)
		role.ParentID = &id
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		role.DeletedAt = &t
	}
	return role, nil
}

const permissionColumns = `id, name, description, is_active, deleted_at, created, modified`

func scanPermission(s scanner) (rbac.Permission, error) {
	var perm rbac.Permission
	var description sql.NullString
	var deletedAt sql.NullTime
	err := s.Scan(&perm.ID, &perm.Name, &description, &perm.IsActive, &deletedAt, &perm.CreatedAt, &perm.ModifiedAt)
	if err != nil {
		return rbac.Permission{}, err
	}
	perm.Description = description.String
	if deletedAt.Valid {
		t := deletedAt.Time
		perm.DeletedAt = &t
	}
	return perm, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullRoleID(id *rbac.RoleID) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

// GetRole returns a role that has not been soft deleted
func (a *Admin) GetRole(ctx context.Context, id rbac.RoleID) (rbac.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE id = $1 AND deleted_at IS NULL`
	role, err := scanRole(a.db.QueryRowContext(ctx, query, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Role{}, fmt.Errorf("role %d: %w", id, rbac.ErrNotFound)
	}
	if err != nil {
		return rbac.Role{}, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// FindRoleByName returns the live role with name
func (a *Admin) FindRoleByName(ctx context.Context, name string) (rbac.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE name = $1 AND deleted_at IS NULL`
	role, err := scanRole(a.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Role{}, fmt.Errorf("role %q: %w", name, rbac.ErrNotFound)
	}
	if err != nil {
		return rbac.Role{}, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// ListRoles returns live roles in display order
func (a *Admin) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE deleted_at IS NULL ORDER BY sort_order, name`

	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []rbac.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (a *Admin) validateRole(ctx context.Context, role rbac.Role) error {
	role.Name = strings.TrimSpace(role.Name)
	if role.Name == "" {
		return invalid("name", "is required")
	}
	if len(role.Name) > rbac.MaxNameLength {
		return invalid("name", "must be at most %d characters", rbac.MaxNameLength)
	}

	existing, err := a.FindRoleByName(ctx, role.Name)
	switch {
	case err == nil && existing.ID != role.ID:
		return fmt.Errorf("role %q: %w", role.Name, ErrConflict)
	case err != nil && !errors.Is(err, rbac.ErrNotFound):
		return err
	}

	if role.ParentID != nil {
		return a.validParent(ctx, role.ID, *role.ParentID)
	}
	return nil
}

// validParent checks that parent exists and that walking up from it never
// reaches self. self is zero for roles not yet created.
func (a *Admin) validParent(ctx context.Context, self, parent rbac.RoleID) error {
	if self != 0 && parent == self {
		return invalid("parent_id", "a role cannot be its own parent")
	}
	if _, err := a.GetRole(ctx, parent); err != nil {
		if errors.Is(err, rbac.ErrNotFound) {
			return invalid("parent_id", "role %d does not exist", parent)
		}
		return err
	}
	if self == 0 {
		return nil
	}

	current := parent
	for depth := 0; depth < rbac.DefaultMaxDepth; depth++ {
		ref, err := a.repo.GetRoleByID(ctx, current)
		if errors.Is(err, rbac.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if ref.ParentID == nil {
			return nil
		}
		if *ref.ParentID == self {
			return ErrParentCycle
		}
		current = *ref.ParentID
	}
	return ErrParentCycle
}

// CreateRole validates and inserts role, returning it with its new ID
func (a *Admin) CreateRole(ctx context.Context, role rbac.Role) (rbac.Role, error) {
	role.ID = 0
	role.Name = strings.TrimSpace(role.Name)
	if err := a.validateRole(ctx, role); err != nil {
		return rbac.Role{}, err
	}

	query := `
		INSERT INTO roles (name, description, is_system, is_default, is_active, sort_order, parent_id, created, modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	now := a.now().UTC()
	err := a.db.QueryRowContext(ctx, query,
		role.Name,
		nullString(role.Description),
		role.IsSystem,
		role.IsDefault,
		role.IsActive,
		role.SortOrder,
		nullRoleID(role.ParentID),
		now,
		now,
	).Scan(&role.ID)
	if err != nil {
		return rbac.Role{}, translate("create role", err)
	}

	role.CreatedAt = now
	role.ModifiedAt = now
	a.invalidateAll(ctx)
	return role, nil
}

// UpdateRole replaces the mutable fields of an existing role. The system
// flag cannot be changed.
func (a *Admin) UpdateRole(ctx context.Context, role rbac.Role) (rbac.Role, error) {
	current, err := a.GetRole(ctx, role.ID)
	if err != nil {
		return rbac.Role{}, err
	}
	role.Name = strings.TrimSpace(role.Name)
	if err := a.validateRole(ctx, role); err != nil {
		return rbac.Role{}, err
	}

	query := `
		UPDATE roles
		SET name = $1, description = $2, is_default = $3, is_active = $4, sort_order = $5, parent_id = $6, modified = $7
		WHERE id = $8 AND deleted_at IS NULL
	`

	now := a.now().UTC()
	_, err = a.db.ExecContext(ctx, query,
		role.Name,
		nullString(role.Description),
		role.IsDefault,
		role.IsActive,
		role.SortOrder,
		nullRoleID(role.ParentID),
		now,
		int64(role.ID),
	)
	if err != nil {
		return rbac.Role{}, translate("update role", err)
	}

	role.IsSystem = current.IsSystem
	role.CreatedAt = current.CreatedAt
	role.ModifiedAt = now
	a.invalidateAll(ctx)
	return role, nil
}

// SoftDeleteRole marks a role deleted. System roles are refused.
func (a *Admin) SoftDeleteRole(ctx context.Context, id rbac.RoleID) error {
	role, err := a.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return fmt.Errorf("role %q: %w", role.Name, ErrSystemRole)
	}

	now := a.now().UTC()
	_, err = a.db.ExecContext(ctx,
		`UPDATE roles SET deleted_at = $1, modified = $2 WHERE id = $3`,
		now, now, int64(id),
	)
	if err != nil {
		return translate("delete role", err)
	}
	a.invalidateAll(ctx)
	return nil
}

// SetRoleActive toggles a role's active flag
func (a *Admin) SetRoleActive(ctx context.Context, id rbac.RoleID, active bool) error {
	res, err := a.db.ExecContext(ctx,
		`UPDATE roles SET is_active = $1, modified = $2 WHERE id = $3 AND deleted_at IS NULL`,
		active, a.now().UTC(), int64(id),
	)
	if err != nil {
		return translate("update role", err)
	}
	if err := expectRow(res, "role", int64(id)); err != nil {
		return err
	}
	a.invalidateAll(ctx)
	return nil
}

// GetPermission returns a permission that has not been soft deleted
func (a *Admin) GetPermission(ctx context.Context, id rbac.PermissionID) (rbac.Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions WHERE id = $1 AND deleted_at IS NULL`
	perm, err := scanPermission(a.db.QueryRowContext(ctx, query, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Permission{}, fmt.Errorf("permission %d: %w", id, rbac.ErrNotFound)
	}
	if err != nil {
		return rbac.Permission{}, fmt.Errorf("failed to get permission: %w", err)
	}
	return perm, nil
}

// FindPermissionByName returns the live permission with name
func (a *Admin) FindPermissionByName(ctx context.Context, name string) (rbac.Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions WHERE name = $1 AND deleted_at IS NULL`
	perm, err := scanPermission(a.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Permission{}, fmt.Errorf("permission %q: %w", name, rbac.ErrNotFound)
	}
	if err != nil {
		return rbac.Permission{}, fmt.Errorf("failed to get permission: %w", err)
	}
	return perm, nil
}

// ListPermissions returns live permissions ordered by name
func (a *Admin) ListPermissions(ctx context.Context) ([]rbac.Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions WHERE deleted_at IS NULL ORDER BY name`

	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	var perms []rbac.Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

// CreatePermission validates and inserts perm
func (a *Admin) CreatePermission(ctx context.Context, perm rbac.Permission) (rbac.Permission, error) {
	perm.Name = strings.TrimSpace(perm.Name)
	if err := rbac.ValidatePermissionName(perm.Name); err != nil {
		return rbac.Permission{}, invalid("name", "%v", err)
	}
	_, err := a.FindPermissionByName(ctx, perm.Name)
	if err == nil {
		return rbac.Permission{}, fmt.Errorf("permission %q: %w", perm.Name, ErrConflict)
	}
	if !errors.Is(err, rbac.ErrNotFound) {
		return rbac.Permission{}, err
	}

	query := `
		INSERT INTO permissions (name, description, is_active, created, modified)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	now := a.now().UTC()
	err = a.db.QueryRowContext(ctx, query, perm.Name, nullString(perm.Description), perm.IsActive, now, now).Scan(&perm.ID)
	if err != nil {
		return rbac.Permission{}, translate("create permission", err)
	}

	perm.CreatedAt = now
	perm.ModifiedAt = now
	// nothing references a new permission yet, so no cached decision is stale
	return perm, nil
}

// SoftDeletePermission marks a permission deleted
func (a *Admin) SoftDeletePermission(ctx context.Context, id rbac.PermissionID) error {
	now := a.now().UTC()
	res, err := a.db.ExecContext(ctx,
		`UPDATE permissions SET deleted_at = $1, modified = $2 WHERE id = $3 AND deleted_at IS NULL`,
		now, now, int64(id),
	)
	if err != nil {
		return translate("delete permission", err)
	}
	if err := expectRow(res, "permission", int64(id)); err != nil {
		return err
	}
	a.invalidateAll(ctx)
	return nil
}

// SetPermissionActive toggles a permission's active flag
func (a *Admin) SetPermissionActive(ctx context.Context, id rbac.PermissionID, active bool) error {
	res, err := a.db.ExecContext(ctx,
		`UPDATE permissions SET is_active = $1, modified = $2 WHERE id = $3 AND deleted_at IS NULL`,
		active, a.now().UTC(), int64(id),
	)
	if err != nil {
		return translate("update permission", err)
	}
	if err := expectRow(res, "permission", int64(id)); err != nil {
		return err
	}
	a.invalidateAll(ctx)
	return nil
}

func expectRow(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, rbac.ErrNotFound)
	}
	return nil
}

// AssignRole gives principal a role. Assigning twice is a no-op.
func (a *Admin) AssignRole(ctx context.Context, principal rbac.PrincipalID, role rbac.RoleID) error {
	if _, err := a.GetRole(ctx, role); err != nil {
		return err
	}
	now := a.now().UTC()
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO users_roles (user_id, role_id, created, modified)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, principal.String(), int64(role), now, now)
	if err != nil {
		return translate("assign role", err)
	}
	a.invalidatePrincipal(ctx, principal)
	return nil
}

// RevokeRole removes a role from principal
func (a *Admin) RevokeRole(ctx context.Context, principal rbac.PrincipalID, role rbac.RoleID) error {
	_, err := a.db.ExecContext(ctx,
		`DELETE FROM users_roles WHERE user_id = $1 AND role_id = $2`,
		principal.String(), int64(role),
	)
	if err != nil {
		return translate("revoke role", err)
	}
	a.invalidatePrincipal(ctx, principal)
	return nil
}

// GrantPermission gives principal a permission directly
func (a *Admin) GrantPermission(ctx context.Context, principal rbac.PrincipalID, perm rbac.PermissionID) error {
	if _, err := a.GetPermission(ctx, perm); err != nil {
		return err
	}
	now := a.now().UTC()
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO users_permissions (user_id, permission_id, created, modified)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, principal.String(), int64(perm), now, now)
	if err != nil {
		return translate("grant permission", err)
	}
	a.invalidatePrincipal(ctx, principal)
	return nil
}

// RevokePermission removes a direct grant from principal
func (a *Admin) RevokePermission(ctx context.Context, principal rbac.PrincipalID, perm rbac.PermissionID) error {
	_, err := a.db.ExecContext(ctx,
		`DELETE FROM users_permissions WHERE user_id = $1 AND permission_id = $2`,
		principal.String(), int64(perm),
	)
	if err != nil {
		return translate("revoke permission", err)
	}
	a.invalidatePrincipal(ctx, principal)
	return nil
}

// AttachPermission adds perm to role
func (a *Admin) AttachPermission(ctx context.Context, role rbac.RoleID, perm rbac.PermissionID) error {
	if _, err := a.GetRole(ctx, role); err != nil {
		return err
	}
	if _, err := a.GetPermission(ctx, perm); err != nil {
		return err
	}
	now := a.now().UTC()
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO roles_permissions (role_id, permission_id, created, modified)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, int64(role), int64(perm), now, now)
	if err != nil {
		return translate("attach permission", err)
	}
	a.invalidateAll(ctx)
	return nil
}

// DetachPermission removes perm from role
func (a *Admin) DetachPermission(ctx context.Context, role rbac.RoleID, perm rbac.PermissionID) error {
	_, err := a.db.ExecContext(ctx,
		`DELETE FROM roles_permissions WHERE role_id = $1 AND permission_id = $2`,
		int64(role), int64(perm),
	)
	if err != nil {
		return translate("detach permission", err)
	}
	a.invalidateAll(ctx)
	return nil
}

// AssignDefaultRoles gives principal every active default role and returns
// how many were assigned. Call it when a principal is first provisioned.
func (a *Admin) AssignDefaultRoles(ctx context.Context, principal rbac.PrincipalID) (int, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id FROM roles
		WHERE is_default = TRUE AND is_active = TRUE AND deleted_at IS NULL
		ORDER BY sort_order, id
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to list default roles: %w", err)
	}
	var ids []rbac.RoleID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan default role: %w", err)
		}
		ids = append(ids, rbac.RoleID(id))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to list default roles: %w", err)
	}

	for _, id := range ids {
		if err := a.AssignRole(ctx, principal, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// AssignedRoles returns the live roles directly assigned to principal
func (a *Admin) AssignedRoles(ctx context.Context, principal rbac.PrincipalID) ([]rbac.Role, error) {
	query := `
		SELECT r.id, r.name, r.description, r.is_system, r.is_default, r.is_active, r.sort_order, r.parent_id, r.deleted_at, r.created, r.modified
		FROM users_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1 AND r.deleted_at IS NULL
		ORDER BY r.sort_order, r.name
	`

	rows, err := a.db.QueryContext(ctx, query, principal.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list assigned roles: %w", err)
	}
	defer rows.Close()

	var roles []rbac.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
