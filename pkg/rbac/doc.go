// Package rbac resolves the effective permissions of a principal from
// role assignments, role inheritance and direct grants.
//
// # Overview
//
// A principal (a UUID) is assigned roles and may hold permissions
// directly. Roles inherit the permissions of their ancestors through a
// single parent link. The effective permission set of a principal is the
// union of its direct grants and the grants of every role in the closure of
// its assigned roles.
//
// Only usable records take part: a role or permission that is inactive or
// soft-deleted contributes nothing, and an unusable role also cuts off its
// ancestors.
//
// # Bypass
//
// A principal holding an active system role is granted every permission,
// including ones that do not exist yet. Permission names are still
// validated first:
//
//	allowed, err := authz.HasPermission(ctx, principal, "rbac.roles.edit")
//
// # Components
//
//	ClosureResolver  expands assigned roles through their ancestors,
//	                 detecting cycles and bounding depth
//	IsBypassed       reports whether a closed role set holds a system role
//	Aggregator       unions role grants and direct grants concurrently
//	DecisionCache    stores results per principal (see pkg/rbac/cache)
//	Authorizer       ties them together behind HasPermission and friends
//
// # Failure Semantics
//
// Every failure denies. HasPermission returns false together with an error
// matching one of:
//
//	ErrInvalidPermissionName  the name is not a dotted path (HTTP 400)
//	ErrRepositoryUnavailable  the store could not answer (HTTP 503)
//	ErrCycleDetected          the role hierarchy is malformed (HTTP 500)
//
// Failed resolutions are never cached. A cache that errors is treated as a
// miss.
//
// # Caching and Invalidation
//
// Results are cached per principal for Options.CacheTTL (default 5m).
// Writes must invalidate:
//
//	authz.InvalidateCacheFor(ctx, principal) // assignment or direct grant changed
//	authz.InvalidateAll(ctx)                 // role, permission or matrix changed
//
// A resolution that overlaps an invalidation is returned but not cached.
//
// # HTTP
//
// Handler exposes the decision API and PermissionMiddleware guards routes:
//
//	GET  /api/v1/principals/{id}/permissions
//	GET  /api/v1/principals/{id}/permissions/{name}
//	POST /api/v1/cache/invalidate
//
//	router.Handle("/admin", guard.RequirePermission("rbac.roles.edit")(h))
//
// # Related Packages
//
//   - pkg/rbac/store: Postgres repository, migrations and administrative writes
//   - pkg/rbac/memory: in-process repository loaded from fixtures
//   - pkg/rbac/seed: canonical roles and permissions
//   - pkg/rbac/cache: in-memory, Redis and tiered decision caches
package rbac
