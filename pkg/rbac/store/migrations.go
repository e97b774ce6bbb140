package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one versioned schema change
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns the schema history in order
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					description TEXT,
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					is_default BOOLEAN NOT NULL DEFAULT FALSE,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					sort_order INTEGER NOT NULL DEFAULT 0,
					parent_id BIGINT REFERENCES roles(id) ON DELETE SET NULL,
					deleted_at TIMESTAMPTZ,
					created TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					modified TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS roles_name_live ON roles(name) WHERE deleted_at IS NULL;
				CREATE INDEX IF NOT EXISTS roles_is_active ON roles(is_active);
				CREATE INDEX IF NOT EXISTS roles_sort_order ON roles(sort_order);
				CREATE INDEX IF NOT EXISTS roles_parent_id ON roles(parent_id);
			`,
		},
		{
			Version:     2,
			Description: "Create permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permissions (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					description TEXT,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					deleted_at TIMESTAMPTZ,
					created TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					modified TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS permissions_name_live ON permissions(name) WHERE deleted_at IS NULL;
				CREATE INDEX IF NOT EXISTS permissions_is_active ON permissions(is_active);
			`,
		},
		{
			Version:     3,
			Description: "Create users_roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users_roles (
					user_id UUID NOT NULL,
					role_id BIGINT NOT NULL,
					created TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					modified TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (user_id, role_id),
					CONSTRAINT fk_users_roles_role_id FOREIGN KEY (role_id)
						REFERENCES roles(id) ON DELETE RESTRICT ON UPDATE CASCADE
				);

				CREATE INDEX IF NOT EXISTS users_roles_role_id ON users_roles(role_id);
			`,
		},
		{
			Version:     4,
			Description: "Create users_permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users_permissions (
					user_id UUID NOT NULL,
					permission_id BIGINT NOT NULL,
					created TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					modified TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (user_id, permission_id),
					CONSTRAINT fk_users_permissions_permission_id FOREIGN KEY (permission_id)
						REFERENCES permissions(id) ON DELETE RESTRICT ON UPDATE CASCADE
				);

				CREATE INDEX IF NOT EXISTS users_permissions_permission_id ON users_permissions(permission_id);
			`,
		},
		{
			Version:     5,
			Description: "Create roles_permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles_permissions (
					role_id BIGINT NOT NULL,
					permission_id BIGINT NOT NULL,
					created TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					modified TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (role_id, permission_id),
					CONSTRAINT fk_roles_permissions_role_id FOREIGN KEY (role_id)
						REFERENCES roles(id) ON DELETE CASCADE ON UPDATE CASCADE,
					CONSTRAINT fk_roles_permissions_permission_id FOREIGN KEY (permission_id)
						REFERENCES permissions(id) ON DELETE CASCADE ON UPDATE CASCADE
				);

				CREATE INDEX IF NOT EXISTS roles_permissions_permission_id ON roles_permissions(permission_id);
			`,
		},
	}
}

// RunMigrations applies every migration not yet recorded in
// schema_migrations and returns how many ran. Each migration runs in its
// own transaction.
func RunMigrations(ctx context.Context, db *sql.DB) (int, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return 0, fmt.Errorf("failed to query migrations: %w", err)
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("failed to read migrations: %w", err)
	}
	rows.Close()

	ran := 0
	for _, m := range Migrations() {
		if applied[m.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return ran, fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return ran, fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return ran, fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return ran, fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
		ran++
	}
	return ran, nil
}
