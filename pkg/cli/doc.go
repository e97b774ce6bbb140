// Package cli implements entitlectl, the operator command line for the
// permission store.
//
// Local mode talks to the database named by --database-url (or
// RBAC_DATABASE_URL):
//
//	entitlectl migrate
//	entitlectl seed --demo
//	entitlectl check 550e8400-e29b-41d4-a716-446655440002 profile.edit
//	entitlectl effective 550e8400-e29b-41d4-a716-446655440002 -o json
//	entitlectl roles
//	entitlectl assign 550e8400-e29b-41d4-a716-446655440002 admin
//
// Cache invalidation needs either a running server or the shared Redis:
//
//	entitlectl invalidate --redis-url redis://localhost:6379/0
//	entitlectl invalidate 550e8400-e29b-41d4-a716-446655440002 --remote http://entitled:8080
//
// With --remote every command except migrate and seed goes through the
// HTTP API. Requests carry --as in the X-Principal-ID header, or an OAuth2
// client-credentials token when --client-id is set.
package cli
