// Package audit records authorization decisions and administrative actions
// for later review.
//
// # Event Types
//
// Authorization: authz.permission_check, authz.access_denied,
// authz.cache_invalidated
//
// Administration: admin.role_change, admin.permission_change,
// admin.matrix_change, admin.role_assign, admin.role_revoke,
// admin.permission_grant, admin.permission_revoke
//
// # Usage Example
//
// Record a decision made by the HTTP middleware:
//
//	logger.LogDecision(ctx, principal.String(), []string{"rbac.roles.view"}, audit.EventStatusDenied, "missing permission")
//
// Loggers travel in the request context so handlers need no extra wiring:
//
//	ctx = audit.WithLogger(ctx, fileLogger)
//	audit.FromContext(ctx).LogDecision(...)
//
// FromContext returns a NoopLogger when none was installed.
//
// # Sinks
//
//   - FileLogger: JSON lines with size based rotation
//   - LogrusLogger: one structured logrus entry per event
//   - MultiLogger: fans an event out to several sinks
package audit
