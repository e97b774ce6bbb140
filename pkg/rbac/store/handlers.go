package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/entitle/pkg/audit"
	"github.com/platinummonkey/entitle/pkg/httputil"
	"github.com/platinummonkey/entitle/pkg/observability"
	"github.com/platinummonkey/entitle/pkg/rbac"
)

// Permissions guarding the administrative API
const (
	PermRolesView       = "rbac.roles.view"
	PermRolesCreate     = "rbac.roles.create"
	PermRolesEdit       = "rbac.roles.edit"
	PermRolesDelete     = "rbac.roles.delete"
	PermPermissionsView = "rbac.permissions.view"
	PermPermissionsNew  = "rbac.permissions.create"
	PermPermissionsEdit = "rbac.permissions.edit"
	PermPermissionsDrop = "rbac.permissions.delete"
	PermUsersAssign     = "rbac.users.assign"
	PermMatrixView      = "rbac.matrix.view"
	PermMatrixEdit      = "rbac.matrix.edit"
)

// Handlers serves the administrative API over Admin
type Handlers struct {
	admin *Admin
	guard *rbac.PermissionMiddleware
}

// NewHandlers creates the administrative handlers
func NewHandlers(admin *Admin, guard *rbac.PermissionMiddleware) *Handlers {
	return &Handlers{admin: admin, guard: guard}
}

// RegisterRoutes registers the administrative routes, each guarded by the
// permission it needs
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	route := func(path, method, permission string, fn http.HandlerFunc) {
		router.Handle(path, h.guard.RequirePermission(permission)(fn)).Methods(method)
	}

	route("/api/v1/roles", http.MethodGet, PermRolesView, h.ListRoles)
	route("/api/v1/roles", http.MethodPost, PermRolesCreate, h.CreateRole)
	route("/api/v1/roles/{id}", http.MethodGet, PermRolesView, h.GetRole)
	route("/api/v1/roles/{id}", http.MethodPut, PermRolesEdit, h.UpdateRole)
	route("/api/v1/roles/{id}", http.MethodDelete, PermRolesDelete, h.DeleteRole)
	route("/api/v1/roles/{id}/active", http.MethodPut, PermRolesEdit, h.SetRoleActive)
	route("/api/v1/roles/{id}/permissions/{permission_id}", http.MethodPut, PermMatrixEdit, h.AttachPermission)
	route("/api/v1/roles/{id}/permissions/{permission_id}", http.MethodDelete, PermMatrixEdit, h.DetachPermission)

	route("/api/v1/permissions", http.MethodGet, PermPermissionsView, h.ListPermissions)
	route("/api/v1/permissions", http.MethodPost, PermPermissionsNew, h.CreatePermission)
	route("/api/v1/permissions/{id}", http.MethodDelete, PermPermissionsDrop, h.DeletePermission)
	route("/api/v1/permissions/{id}/active", http.MethodPut, PermPermissionsEdit, h.SetPermissionActive)

	router.Handle("/api/v1/principals/{id}/roles",
		h.guard.RequireSelfOrPermission("id", PermMatrixView)(http.HandlerFunc(h.GetAssignedRoles))).Methods(http.MethodGet)
	route("/api/v1/principals/{id}/roles/{role_id}", http.MethodPut, PermUsersAssign, h.AssignRole)
	route("/api/v1/principals/{id}/roles/{role_id}", http.MethodDelete, PermUsersAssign, h.RevokeRole)
	route("/api/v1/principals/{id}/grants/{permission_id}", http.MethodPut, PermUsersAssign, h.GrantPermission)
	route("/api/v1/principals/{id}/grants/{permission_id}", http.MethodDelete, PermUsersAssign, h.RevokePermission)
	route("/api/v1/principals/{id}/default-roles", http.MethodPost, PermUsersAssign, h.AssignDefaultRoles)
}

// RoleRequest is the body of role create and update calls
type RoleRequest struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	IsSystem    bool         `json:"is_system"`
	IsDefault   bool         `json:"is_default"`
	IsActive    *bool        `json:"is_active,omitempty"`
	SortOrder   int          `json:"sort_order"`
	ParentID    *rbac.RoleID `json:"parent_id,omitempty"`
}

func (req RoleRequest) role() rbac.Role {
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	return rbac.Role{
		Name:        req.Name,
		Description: req.Description,
		IsSystem:    req.IsSystem,
		IsDefault:   req.IsDefault,
		IsActive:    active,
		SortOrder:   req.SortOrder,
		ParentID:    req.ParentID,
	}
}

// PermissionRequest is the body of permission create calls
type PermissionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ActiveRequest toggles a role or permission
type ActiveRequest struct {
	Active bool `json:"active"`
}

func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.admin.ListRoles(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{"roles": roles})
}

func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	role, err := h.admin.GetRole(r.Context(), rbac.RoleID(id))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, role)
}

func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req RoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role, err := h.admin.CreateRole(r.Context(), req.role())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	logAdmin(r, audit.EventTypeRoleChange, audit.ResourceTypeRole, roleKey(role.ID), "created role "+role.Name)
	_ = httputil.WriteJSON(w, http.StatusCreated, role)
}

func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req RoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role := req.role()
	role.ID = rbac.RoleID(id)
	role, err := h.admin.UpdateRole(r.Context(), role)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	logAdmin(r, audit.EventTypeRoleChange, audit.ResourceTypeRole, roleKey(role.ID), "updated role "+role.Name)
	_ = httputil.WriteSuccess(w, role)
}

func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.admin.SoftDeleteRole(r.Context(), rbac.RoleID(id)); err != nil {
		writeAdminError(w, r, err)
		return
	}
	logAdmin(r, audit.EventTypeRoleChange, audit.ResourceTypeRole, strconv.FormatInt(id, 10), "deleted role")
	httputil.WriteNoContent(w)
}

func (h *Handlers) SetRoleActive(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req ActiveRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := h.admin.SetRoleActive(r.Context(), rbac.RoleID(id), req.Active); err != nil {
		writeAdminError(w, r, err)
		return
	}
	logAdmin(r, audit.EventTypeRoleChange, audit.ResourceTypeRole, strconv.FormatInt(id, 10), fmt.Sprintf("set active=%t", req.Active))
	httputil.WriteNoContent(w)
}

func (h *Handlers) AttachPermission(w http.ResponseWriter, r *http.Request) {
	h.matrix(w, r, true)
}

func (h *Handlers) DetachPermission(w http.ResponseWriter, r *http.Request) {
	h.matrix(w, r, false)
}

func (h *Handlers) matrix(w http.ResponseWriter, r *http.Request, attach bool) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	permID, ok := httputil.ParsePathInt64OrError(w, r, "permission_id")
	if !ok {
		return
	}

	var err error
	verb := "attached"
	if attach {
		err = h.admin.AttachPermission(r.Context(), rbac.RoleID(roleID), rbac.PermissionID(permID))
	} else {
		verb = "detached"
		err = h.admin.DetachPermission(r.Context(), rbac.RoleID(roleID), rbac.PermissionID(permID))
	}
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	logAdmin(r, audit.EventTypeMatrixChange, audit.ResourceTypeRole, strconv.FormatInt(roleID, 10),
		fmt.Sprintf("%s permission %d", verb, permID))
	httputil.WriteNoContent(w)
}

func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.admin.ListPermissions(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{"permissions": perms})
}

func (h *Handlers) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var req PermissionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	perm, err := h.admin.CreatePermission(r.Context(), rbac.Permission{
		Name:        req.Name,
		Description: req.Description,
		IsActive:    true,
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	logAdmin(r, audit.EventTypePermissionChange, audit.ResourceTypePermission,
		strconv.FormatInt(int64(perm.ID), 10), "created permission "+perm.Name)
	_ = httputil.WriteJSON(w, http.StatusCreated, perm)
}

func (h *Handlers) DeletePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.admin.SoftDeletePermission(r.Context(), rbac.PermissionID(id)); err != nil {
		writeAdminError(w, r, err)
		return
	}
	logAdmin(r, audit.EventTypePermissionChange, audit.ResourceTypePermission, strconv.FormatInt(id, 10), "deleted permission")
	httputil.WriteNoContent(w)
}

func (h *Handlers) SetPermissionActive(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req ActiveRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := h.admin.SetPermissionActive(r.Context(), rbac.PermissionID(id), req.Active); err != nil {
		writeAdminError(w, r, err)
		return
	}
	logAdmin(r, audit.EventTypePermissionChange, audit.ResourceTypePermission, strconv.FormatInt(id, 10), fmt.Sprintf("set active=%t", req.Active))
	httputil.WriteNoContent(w)
}

func (h *Handlers) GetAssignedRoles(w http.ResponseWriter, r *http.Request) {
	principal, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	roles, err := h.admin.AssignedRoles(r.Context(), principal)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{"principal_id": principal.String(), "roles": roles})
}

func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	h.assignment(w, r, "role_id", audit.EventTypeRoleAssign, func(ctx context.Context, p rbac.PrincipalID, id int64) error {
		return h.admin.AssignRole(ctx, p, rbac.RoleID(id))
	})
}

func (h *Handlers) RevokeRole(w http.ResponseWriter, r *http.Request) {
	h.assignment(w, r, "role_id", audit.EventTypeRoleRevoke, func(ctx context.Context, p rbac.PrincipalID, id int64) error {
		return h.admin.RevokeRole(ctx, p, rbac.RoleID(id))
	})
}

func (h *Handlers) GrantPermission(w http.ResponseWriter, r *http.Request) {
	h.assignment(w, r, "permission_id", audit.EventTypePermissionGrant, func(ctx context.Context, p rbac.PrincipalID, id int64) error {
		return h.admin.GrantPermission(ctx, p, rbac.PermissionID(id))
	})
}

func (h *Handlers) RevokePermission(w http.ResponseWriter, r *http.Request) {
	h.assignment(w, r, "permission_id", audit.EventTypePermissionRevoke, func(ctx context.Context, p rbac.PrincipalID, id int64) error {
		return h.admin.RevokePermission(ctx, p, rbac.PermissionID(id))
	})
}

func (h *Handlers) assignment(w http.ResponseWriter, r *http.Request, param string, event audit.EventType,
	apply func(context.Context, rbac.PrincipalID, int64) error) {
	principal, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, param)
	if !ok {
		return
	}
	if err := apply(r.Context(), principal, id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	logAdmin(r, event, audit.ResourceTypePrincipal, principal.String(), fmt.Sprintf("%s %d", param, id))
	httputil.WriteNoContent(w)
}

func (h *Handlers) AssignDefaultRoles(w http.ResponseWriter, r *http.Request) {
	principal, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	n, err := h.admin.AssignDefaultRoles(r.Context(), principal)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	logAdmin(r, audit.EventTypeRoleAssign, audit.ResourceTypePrincipal, principal.String(), fmt.Sprintf("assigned %d default roles", n))
	_ = httputil.WriteSuccess(w, map[string]int{"assigned": n})
}

func roleKey(id rbac.RoleID) string {
	return strconv.FormatInt(int64(id), 10)
}

func logAdmin(r *http.Request, eventType audit.EventType, resourceType audit.ResourceType, resourceID, message string) {
	ctx := r.Context()
	event := audit.NewEvent(ctx, r, eventType, audit.EventStatusSuccess)
	event.ResourceType = resourceType
	event.ResourceID = resourceID
	event.Message = message
	if err := audit.FromContext(ctx).Log(ctx, event); err != nil {
		observability.FromContext(ctx).WithError(err).Warn("failed to write audit event")
	}
}

func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_"+verr.Field, verr.Error())
	case errors.Is(err, ErrParentCycle):
		httputil.WriteErrorCode(w, http.StatusBadRequest, "parent_cycle", err.Error())
	case errors.Is(err, rbac.ErrInvalidPermissionName):
		httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_permission_name", err.Error())
	case errors.Is(err, rbac.ErrNotFound):
		httputil.WriteErrorCode(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrConflict):
		httputil.WriteErrorCode(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, ErrSystemRole):
		httputil.WriteErrorCode(w, http.StatusConflict, "system_role", err.Error())
	case errors.Is(err, rbac.ErrRepositoryUnavailable):
		httputil.WriteErrorCode(w, http.StatusServiceUnavailable, "repository_unavailable", "permission store unavailable")
	default:
		observability.FromContext(r.Context()).WithError(err).Error("administrative request failed")
		httputil.WriteInternalError(w)
	}
}
