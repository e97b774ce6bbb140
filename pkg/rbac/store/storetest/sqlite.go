// Package storetest provides an in-memory SQLite permission store for tests
// of packages built on pkg/rbac/store.
package storetest

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for testing
	"github.com/stretchr/testify/require"
)

// Schema mirrors the PostgreSQL migrations with SQLite types
const Schema = `
CREATE TABLE roles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	description TEXT,
	is_system BOOLEAN NOT NULL DEFAULT 0,
	is_default BOOLEAN NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT 1,
	sort_order INTEGER NOT NULL DEFAULT 0,
	parent_id INTEGER REFERENCES roles(id) ON DELETE SET NULL,
	deleted_at TIMESTAMP,
	created TIMESTAMP NOT NULL,
	modified TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX roles_name_live ON roles(name) WHERE deleted_at IS NULL;

CREATE TABLE permissions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	description TEXT,
	is_active BOOLEAN NOT NULL DEFAULT 1,
	deleted_at TIMESTAMP,
	created TIMESTAMP NOT NULL,
	modified TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX permissions_name_live ON permissions(name) WHERE deleted_at IS NULL;

CREATE TABLE users_roles (
	user_id TEXT NOT NULL,
	role_id INTEGER NOT NULL REFERENCES roles(id) ON DELETE RESTRICT,
	created TIMESTAMP NOT NULL,
	modified TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, role_id)
);

CREATE TABLE users_permissions (
	user_id TEXT NOT NULL,
	permission_id INTEGER NOT NULL REFERENCES permissions(id) ON DELETE RESTRICT,
	created TIMESTAMP NOT NULL,
	modified TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, permission_id)
);

CREATE TABLE roles_permissions (
	role_id INTEGER NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
	permission_id INTEGER NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
	created TIMESTAMP NOT NULL,
	modified TIMESTAMP NOT NULL,
	PRIMARY KEY (role_id, permission_id)
);
`

// OpenSQLite returns an empty store closed at the end of the test
func OpenSQLite(t testing.TB) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	// one connection, so every query sees the same in-memory database
	db.SetMaxOpenConns(1)
	_, err = db.Exec(Schema)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// FileDSN creates a SQLite database file holding the schema and returns a
// DSN for the sqlite3 driver. Unlike OpenSQLite, every connection opened
// with it sees the same data.
func FileDSN(t testing.TB) string {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "rbac.db") + "?_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(Schema)
	require.NoError(t, err)
	return dsn
}
