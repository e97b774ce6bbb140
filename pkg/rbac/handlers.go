package rbac

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/entitle/pkg/audit"
	"github.com/platinummonkey/entitle/pkg/httputil"
	"github.com/platinummonkey/entitle/pkg/observability"
)

// Permissions guarding the decision API
const (
	PermissionMatrixView = "rbac.matrix.view"
	PermissionMatrixEdit = "rbac.matrix.edit"
)

// Handler serves the decision API over an Authorizer
type Handler struct {
	authz *Authorizer
	guard *PermissionMiddleware
}

// NewHandler creates the decision API handlers
func NewHandler(authz *Authorizer) *Handler {
	return &Handler{authz: authz, guard: NewPermissionMiddleware(authz)}
}

// Guard returns the middleware the handler protects its routes with
func (h *Handler) Guard() *PermissionMiddleware {
	return h.guard
}

// RegisterRoutes registers the decision routes. Principals may always read
// their own permissions.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	readable := h.guard.RequireSelfOrPermission("id", PermissionMatrixView)

	router.Handle("/api/v1/principals/{id}/permissions",
		readable(http.HandlerFunc(h.GetEffectivePermissions))).Methods(http.MethodGet)
	router.Handle("/api/v1/principals/{id}/permissions/{name}",
		readable(http.HandlerFunc(h.CheckPermission))).Methods(http.MethodGet)
	router.Handle("/api/v1/cache/invalidate",
		h.guard.RequirePermission(PermissionMatrixEdit)(http.HandlerFunc(h.InvalidateCache))).Methods(http.MethodPost)
}

// EffectiveResponse is the body of GET /principals/{id}/permissions
type EffectiveResponse struct {
	PrincipalID string `json:"principal_id"`
	Effective
}

// CheckResponse is the body of GET /principals/{id}/permissions/{name}
type CheckResponse struct {
	PrincipalID string `json:"principal_id"`
	Permission  string `json:"permission"`
	Allowed     bool   `json:"allowed"`
}

// InvalidateRequest is the body of POST /cache/invalidate. Without a
// principal every cached result is dropped.
type InvalidateRequest struct {
	PrincipalID *uuid.UUID `json:"principal_id,omitempty"`
}

// GetEffectivePermissions returns the resolved permissions of a principal.
// ?fresh=true skips the cache.
func (h *Handler) GetEffectivePermissions(w http.ResponseWriter, r *http.Request) {
	principal, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	fresh, err := httputil.ParseQueryBool(r, "fresh", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	var eff Effective
	if fresh {
		eff, err = h.authz.Resolve(r.Context(), principal)
	} else {
		eff, err = h.authz.EffectivePermissions(r.Context(), principal)
	}
	if err != nil {
		WriteDecisionError(w, r, err)
		return
	}

	_ = httputil.WriteSuccess(w, EffectiveResponse{PrincipalID: principal.String(), Effective: eff})
}

// CheckPermission answers whether a principal holds one permission
func (h *Handler) CheckPermission(w http.ResponseWriter, r *http.Request) {
	principal, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	name := mux.Vars(r)["name"]

	allowed, err := h.authz.HasPermission(r.Context(), principal, name)
	if err != nil {
		logDecision(r.Context(), principal, []string{name}, audit.EventStatusFailure, err.Error())
		WriteDecisionError(w, r, err)
		return
	}

	status := audit.EventStatusSuccess
	if !allowed {
		status = audit.EventStatusDenied
	}
	logDecision(r.Context(), principal, []string{name}, status, "")

	_ = httputil.WriteSuccess(w, CheckResponse{
		PrincipalID: principal.String(),
		Permission:  name,
		Allowed:     allowed,
	})
}

// InvalidateCache drops cached results for one principal or for everyone
func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	ctx := r.Context()
	scope, target := "all", "all"
	var err error
	if req.PrincipalID != nil {
		scope, target = "principal", req.PrincipalID.String()
		err = h.authz.InvalidateCacheFor(ctx, *req.PrincipalID)
	} else {
		err = h.authz.InvalidateAll(ctx)
	}
	if err != nil {
		observability.FromContext(ctx).WithError(err).WithField("scope", scope).Error("cache invalidation failed")
		httputil.WriteErrorCode(w, http.StatusServiceUnavailable, "cache_unavailable", "cache invalidation failed")
		return
	}

	event := audit.NewEvent(ctx, r, audit.EventTypeCacheInvalidated, audit.EventStatusSuccess)
	event.ResourceType = audit.ResourceTypeCache
	event.ResourceID = target
	event.Metadata["scope"] = scope
	if err := audit.FromContext(ctx).Log(ctx, event); err != nil {
		observability.FromContext(ctx).WithError(err).Warn("failed to write audit event")
	}

	httputil.WriteNoContent(w)
}
