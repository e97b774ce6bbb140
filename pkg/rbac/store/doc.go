// Package store persists roles, permissions and assignments in PostgreSQL.
//
// PostgresRepository implements rbac.Repository for the authorizer and
// reports every driver failure as rbac.ErrRepositoryUnavailable. Admin is
// the write side: it validates input, enforces the hierarchy and system
// role rules, and tells an Invalidator which cached decisions went stale.
//
// Schema changes are applied with RunMigrations, which records applied
// versions in schema_migrations and can be run on every start.
//
// Usage:
//
//	db, err := store.Open(store.Config{URL: dsn})
//	if err != nil {
//		return err
//	}
//	if _, err := store.RunMigrations(ctx, db); err != nil {
//		return err
//	}
//	authz := rbac.NewAuthorizer(store.NewPostgresRepository(db), cache, rbac.Options{})
//	admin := store.NewAdmin(db, authz, logger)
package store
