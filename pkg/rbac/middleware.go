package rbac

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/platinummonkey/entitle/pkg/audit"
	"github.com/platinummonkey/entitle/pkg/contextkeys"
	"github.com/platinummonkey/entitle/pkg/httputil"
	"github.com/platinummonkey/entitle/pkg/observability"
)

// Checker answers permission questions. *Authorizer implements it.
type Checker interface {
	HasPermission(ctx context.Context, principal PrincipalID, name string) (bool, error)
	HasAnyPermission(ctx context.Context, principal PrincipalID, names ...string) (bool, error)
	HasAllPermissions(ctx context.Context, principal PrincipalID, names ...string) (bool, error)
}

// PermissionMiddleware guards routes with permission checks against the
// authenticated principal
type PermissionMiddleware struct {
	checker Checker
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(checker Checker) *PermissionMiddleware {
	return &PermissionMiddleware{checker: checker}
}

// RequirePermission admits principals holding name
func (pm *PermissionMiddleware) RequirePermission(name string) func(http.Handler) http.Handler {
	return pm.require([]string{name}, func(ctx context.Context, p PrincipalID) (bool, error) {
		return pm.checker.HasPermission(ctx, p, name)
	})
}

// RequireAny admits principals holding at least one of names
func (pm *PermissionMiddleware) RequireAny(names ...string) func(http.Handler) http.Handler {
	return pm.require(names, func(ctx context.Context, p PrincipalID) (bool, error) {
		return pm.checker.HasAnyPermission(ctx, p, names...)
	})
}

// RequireAll admits principals holding every one of names
func (pm *PermissionMiddleware) RequireAll(names ...string) func(http.Handler) http.Handler {
	return pm.require(names, func(ctx context.Context, p PrincipalID) (bool, error) {
		return pm.checker.HasAllPermissions(ctx, p, names...)
	})
}

// RequireSelfOrPermission admits the principal named by the {param} path
// variable, and anyone else holding name
func (pm *PermissionMiddleware) RequireSelfOrPermission(param, name string) func(http.Handler) http.Handler {
	guarded := pm.RequirePermission(name)
	return func(next http.Handler) http.Handler {
		check := guarded(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := callerFromContext(r.Context())
			if ok {
				if target, err := httputil.ParsePathUUID(r, param); err == nil && target == caller {
					next.ServeHTTP(w, r)
					return
				}
			}
			check.ServeHTTP(w, r)
		})
	}
}

func (pm *PermissionMiddleware) require(names []string, decide func(context.Context, PrincipalID) (bool, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			caller, ok := callerFromContext(ctx)
			if !ok {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			allowed, err := decide(ctx, caller)
			if err != nil {
				logDecision(ctx, caller, names, audit.EventStatusFailure, err.Error())
				WriteDecisionError(w, r, err)
				return
			}
			if !allowed {
				logDecision(ctx, caller, names, audit.EventStatusDenied, "insufficient permissions")
				httputil.WriteErrorCode(w, http.StatusForbidden, "permission_denied", "insufficient permissions")
				return
			}

			logDecision(ctx, caller, names, audit.EventStatusSuccess, "")
			next.ServeHTTP(w, r)
		})
	}
}

func callerFromContext(ctx context.Context) (PrincipalID, bool) {
	raw := contextkeys.GetPrincipalID(ctx)
	if raw == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func logDecision(ctx context.Context, principal PrincipalID, names []string, status audit.EventStatus, message string) {
	if err := audit.FromContext(ctx).LogDecision(ctx, principal.String(), names, status, message); err != nil {
		observability.FromContext(ctx).WithError(err).Warn("failed to write audit event")
	}
}

// WriteDecisionError maps a resolution failure to an HTTP reply. An invalid
// name is the caller's fault (400), an unreachable repository is
// retryable (503) and a malformed hierarchy is a server fault (500).
func WriteDecisionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidPermissionName):
		httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_permission_name", err.Error())
	case errors.Is(err, ErrRepositoryUnavailable):
		httputil.WriteErrorCode(w, http.StatusServiceUnavailable, "repository_unavailable", "permission store unavailable")
	case errors.Is(err, ErrCycleDetected):
		observability.FromContext(r.Context()).WithError(err).Error("role hierarchy is malformed")
		httputil.WriteErrorCode(w, http.StatusInternalServerError, "role_cycle", "role hierarchy is malformed")
	default:
		observability.FromContext(r.Context()).WithError(err).Error("permission check failed")
		httputil.WriteInternalError(w)
	}
}
