package rbac_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitle/pkg/audit"
	"github.com/platinummonkey/entitle/pkg/contextkeys"
	"github.com/platinummonkey/entitle/pkg/httputil"
	"github.com/platinummonkey/entitle/pkg/rbac"
	"github.com/platinummonkey/entitle/pkg/rbac/seed"
)

// recordingAudit keeps events in memory
type recordingAudit struct {
	audit.NoopLogger
	events []*audit.AuditEvent
}

func (r *recordingAudit) Log(_ context.Context, e *audit.AuditEvent) error {
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAudit) LogDecision(ctx context.Context, principal string, perms []string, status audit.EventStatus, msg string) error {
	e := audit.NewEvent(ctx, nil, audit.EventTypePermissionCheck, status)
	if status == audit.EventStatusDenied {
		e.EventType = audit.EventTypeAccessDenied
	}
	e.PrincipalID = principal
	e.Permissions = perms
	return r.Log(ctx, e)
}

type apiHarness struct {
	*harness
	router *mux.Router
	audit  *recordingAudit
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	h := newHarness(t, demoFixture(), nil)
	router := mux.NewRouter()
	rbac.NewHandler(h.authz).RegisterRoutes(router)
	return &apiHarness{harness: h, router: router, audit: &recordingAudit{}}
}

// do sends a request as caller; uuid.Nil sends it unauthenticated
func (a *apiHarness) do(method, path string, caller uuid.UUID, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	ctx := audit.WithLogger(r.Context(), a.audit)
	if caller != uuid.Nil {
		ctx = contextkeys.WithPrincipalID(ctx, caller.String())
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, r.WithContext(ctx))
	return w
}

func TestHandler_EffectivePermissions(t *testing.T) {
	api := newAPIHarness(t)

	w := api.do(http.MethodGet, "/api/v1/principals/"+seed.UserPrincipal.String()+"/permissions", seed.UserPrincipal, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp rbac.EffectiveResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, seed.UserPrincipal.String(), resp.PrincipalID)
	assert.False(t, resp.All)
	assert.ElementsMatch(t, seed.UserPermissions, resp.Permissions.Names())
	assert.Equal(t, []string{seed.RoleUser}, resp.Roles)
}

func TestHandler_EffectivePermissionsBypass(t *testing.T) {
	api := newAPIHarness(t)

	w := api.do(http.MethodGet, "/api/v1/principals/"+superadminPrincipal.String()+"/permissions", superadminPrincipal, "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["all"])
	assert.Empty(t, body["permissions"])
}

func TestHandler_FreshSkipsCache(t *testing.T) {
	api := newAPIHarness(t)
	path := "/api/v1/principals/" + seed.UserPrincipal.String() + "/permissions"

	require.Equal(t, http.StatusOK, api.do(http.MethodGet, path, seed.UserPrincipal, "").Code)
	before := api.repo.calls.Load()

	require.Equal(t, http.StatusOK, api.do(http.MethodGet, path, seed.UserPrincipal, "").Code)
	assert.Equal(t, before, api.repo.calls.Load(), "second read is cached")

	require.Equal(t, http.StatusOK, api.do(http.MethodGet, path+"?fresh=true", seed.UserPrincipal, "").Code)
	assert.Greater(t, api.repo.calls.Load(), before)

	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, path+"?fresh=maybe", seed.UserPrincipal, "").Code)
}

func TestHandler_ReadingOthersNeedsMatrixView(t *testing.T) {
	api := newAPIHarness(t)
	adminPath := "/api/v1/principals/" + seed.AdminPrincipal.String() + "/permissions"

	w := api.do(http.MethodGet, adminPath, seed.UserPrincipal, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	var resp httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "permission_denied", resp.Code)

	userPath := "/api/v1/principals/" + seed.UserPrincipal.String() + "/permissions"
	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, userPath, seed.AdminPrincipal, "").Code)

	assert.Equal(t, http.StatusUnauthorized, api.do(http.MethodGet, userPath, uuid.Nil, "").Code)
}

func TestHandler_CheckPermission(t *testing.T) {
	api := newAPIHarness(t)
	base := "/api/v1/principals/" + seed.UserPrincipal.String() + "/permissions/"

	tests := []struct {
		name    string
		perm    string
		status  int
		allowed bool
	}{
		{"granted", "profile.edit", http.StatusOK, true},
		{"not granted", "rbac.roles.view", http.StatusOK, false},
		{"undefined", "billing.view", http.StatusOK, false},
		{"invalid name", "bad..name", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.do(http.MethodGet, base+tt.perm, seed.UserPrincipal, "")
			require.Equal(t, tt.status, w.Code)
			if tt.status != http.StatusOK {
				return
			}
			var resp rbac.CheckResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.allowed, resp.Allowed)
			assert.Equal(t, tt.perm, resp.Permission)
		})
	}
}

func TestHandler_CheckPermissionAudited(t *testing.T) {
	api := newAPIHarness(t)

	w := api.do(http.MethodGet, "/api/v1/principals/"+seed.UserPrincipal.String()+"/permissions/rbac.roles.view", seed.UserPrincipal, "")
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, api.audit.events, 1)
	event := api.audit.events[0]
	assert.Equal(t, audit.EventTypeAccessDenied, event.EventType)
	assert.Equal(t, seed.UserPrincipal.String(), event.PrincipalID)
	assert.Equal(t, seed.UserPrincipal.String(), event.ActorID)
	assert.Equal(t, []string{"rbac.roles.view"}, event.Permissions)
}

func TestHandler_InvalidPrincipalID(t *testing.T) {
	api := newAPIHarness(t)

	w := api.do(http.MethodGet, "/api/v1/principals/42/permissions", seed.AdminPrincipal, "")

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_RepositoryDownIs503(t *testing.T) {
	api := newAPIHarness(t)
	api.repo.fail.Store(true)

	w := api.do(http.MethodGet, "/api/v1/principals/"+seed.UserPrincipal.String()+"/permissions/profile.view", seed.UserPrincipal, "")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "repository_unavailable", resp.Code)
}

func TestHandler_InvalidateCache(t *testing.T) {
	api := newAPIHarness(t)
	path := "/api/v1/principals/" + seed.UserPrincipal.String() + "/permissions"

	require.Equal(t, http.StatusOK, api.do(http.MethodGet, path, seed.UserPrincipal, "").Code)
	before := api.repo.calls.Load()

	t.Run("requires matrix edit", func(t *testing.T) {
		w := api.do(http.MethodPost, "/api/v1/cache/invalidate", seed.UserPrincipal, "{}")
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("one principal", func(t *testing.T) {
		body := `{"principal_id":"` + seed.UserPrincipal.String() + `"}`
		w := api.do(http.MethodPost, "/api/v1/cache/invalidate", seed.AdminPrincipal, body)
		require.Equal(t, http.StatusNoContent, w.Code)

		require.Equal(t, http.StatusOK, api.do(http.MethodGet, path, seed.UserPrincipal, "").Code)
		assert.Greater(t, api.repo.calls.Load(), before, "invalidated principal is resolved again")

		var found bool
		for _, e := range api.audit.events {
			if e.EventType == audit.EventTypeCacheInvalidated {
				found = true
				assert.Equal(t, seed.UserPrincipal.String(), e.ResourceID)
				assert.Equal(t, "principal", e.Metadata["scope"])
			}
		}
		assert.True(t, found)
	})

	t.Run("everyone", func(t *testing.T) {
		w := api.do(http.MethodPost, "/api/v1/cache/invalidate", seed.AdminPrincipal, "")
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		w := api.do(http.MethodPost, "/api/v1/cache/invalidate", seed.AdminPrincipal, `{"everyone":true}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
