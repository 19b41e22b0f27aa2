package security

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newTestRouter(repo *memoryRepo) http.Handler {
	svc := NewService(repo, stubIdentity{exists: true}, nil, nil)
	analytics := NewAnalytics(repo, nil, nil)
	handler := NewHandler(nil, svc, analytics, nil, nil, 1000, time.Minute)
	r := chi.NewRouter()
	handler.MountRoutes(r)
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCreateRole(t *testing.T) {
	repo := newMemoryRepo()
	perm := repo.addPermission("content.view", "View Content", "content", true)
	router := newTestRouter(repo)

	rec := doJSON(t, router, http.MethodPost, "/roles", map[string]any{
		"name":           "editor",
		"display_name":   "Editor",
		"level":          300,
		"permission_ids": []int64{perm.ID},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var role Role
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &role))
	require.Equal(t, "editor", role.Name)
	require.NotZero(t, role.ID)
}

func TestHandlerCreateRoleConflictRendersVerdict(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRole(Role{Name: "editor", DisplayName: "Editor", Level: 300, IsActive: true})
	router := newTestRouter(repo)

	rec := doJSON(t, router, http.MethodPost, "/roles", map[string]any{
		"name":         "editor",
		"display_name": "Editor Two",
		"level":        400,
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var verdict RoleValidation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verdict))
	require.False(t, verdict.IsValid)
	require.Contains(t, verdict.Conflicts, "Role name 'editor' already exists")
}

func TestHandlerCreateRoleRejectsBadBody(t *testing.T) {
	router := newTestRouter(newMemoryRepo())

	rec := doJSON(t, router, http.MethodPost, "/roles", map[string]any{"display_name": "No Name"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerGetRole(t *testing.T) {
	repo := newMemoryRepo()
	role := repo.addRole(Role{Name: "editor", DisplayName: "Editor", Level: 300, IsActive: true})
	router := newTestRouter(repo)

	rec := doJSON(t, router, http.MethodGet, "/roles/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got Role
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, role.Name, got.Name)

	require.Equal(t, http.StatusNotFound, doJSON(t, router, http.MethodGet, "/roles/99", nil).Code)
	require.Equal(t, http.StatusBadRequest, doJSON(t, router, http.MethodGet, "/roles/zero", nil).Code)
}

func TestHandlerListRolesFilters(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRole(Role{Name: "editor", DisplayName: "Editor", Level: 300, RoleType: RoleTypeStandard, IsActive: true})
	repo.addRole(Role{Name: "legacy", DisplayName: "Legacy", Level: 100, RoleType: RoleTypeCustom, IsActive: false})
	router := newTestRouter(repo)

	rec := doJSON(t, router, http.MethodGet, "/roles?is_active=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Items      []Role `json:"items"`
		Pagination struct {
			Total      int `json:"total"`
			TotalPages int `json:"total_pages"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Pagination.Total)
	require.Equal(t, 1, resp.Pagination.TotalPages)
	require.Equal(t, "editor", resp.Items[0].Name)

	require.Equal(t, http.StatusBadRequest, doJSON(t, router, http.MethodGet, "/roles?is_active=banana", nil).Code)
}

func TestHandlerValidateRole(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRole(Role{Name: "editor", DisplayName: "Editor", Level: 300, IsActive: true})
	router := newTestRouter(repo)

	rec := doJSON(t, router, http.MethodPost, "/roles/validate", map[string]any{
		"name":         "editor",
		"display_name": "Editor",
		"level":        400,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var verdict RoleValidation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verdict))
	require.False(t, verdict.IsValid)
	// Validation never persists.
	require.Len(t, repo.roles, 1)
}

func TestHandlerBulkStatus(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRole(Role{Name: "editor", DisplayName: "Editor", Level: 300, IsActive: true})
	router := newTestRouter(repo)

	rec := doJSON(t, router, http.MethodPost, "/roles/bulk-status", map[string]any{
		"role_ids":  []int64{1, 404},
		"is_active": false,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result BulkStatusResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, 1, result.UpdatedCount)
	require.Equal(t, 2, result.TotalRequested)
	require.Contains(t, result.Errors, "Role ID 404 not found")
}

func TestHandlerCloneRole(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRole(Role{Name: "root", DisplayName: "Root", Level: 900, IsActive: true})
	router := newTestRouter(repo)

	rec := doJSON(t, router, http.MethodPost, "/roles/1/clone", map[string]any{
		"name":         "root-copy",
		"display_name": "Root Copy",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var clone Role
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &clone))
	require.Equal(t, RoleTypeCustom, clone.RoleType)
	require.Equal(t, "Cloned from root", clone.Description)
}

func TestHandlerRolePermissionsRoundTrip(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRole(Role{Name: "editor", DisplayName: "Editor", Level: 300, IsActive: true})
	perm := repo.addPermission("content.view", "View Content", "content", true)
	router := newTestRouter(repo)

	rec := doJSON(t, router, http.MethodPut, "/roles/1/permissions", map[string]any{
		"permission_ids": []int64{perm.ID},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var rps []RolePermission
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rps))
	require.Len(t, rps, 1)

	rec = doJSON(t, router, http.MethodGet, "/roles/1/permissions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var details []RolePermissionDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &details))
	require.Len(t, details, 1)
	require.Equal(t, "content.view", details[0].Permission.Name)

	rec = doJSON(t, router, http.MethodDelete, "/roles/1/permissions", map[string]any{
		"permission_ids": []int64{perm.ID},
	})
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandlerPermissionAssignmentVerdict(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRole(Role{Name: "editor", DisplayName: "Editor", Level: 300, IsActive: true})
	router := newTestRouter(repo)

	rec := doJSON(t, router, http.MethodPut, "/roles/1/permissions", map[string]any{
		"permission_ids": []int64{404},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var verdict PermissionValidation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verdict))
	require.Contains(t, verdict.MissingPermissions, "Permission ID 404 not found")
}

func TestHandlerDeleteSystemRole(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRole(Role{Name: "root", DisplayName: "Root", Level: 900, RoleType: RoleTypeSystem, IsSystem: true, IsActive: true})
	router := newTestRouter(repo)

	require.Equal(t, http.StatusForbidden, doJSON(t, router, http.MethodDelete, "/roles/1", nil).Code)
}

func TestHandlerComplexity(t *testing.T) {
	repo := newMemoryRepo()
	role := seedComplexRole(repo, 3, 1, 0)
	router := newTestRouter(repo)

	rec := doJSON(t, router, http.MethodGet, "/roles/1/complexity", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report RoleComplexity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, role.Name, report.RoleName)
	require.Equal(t, "Low", report.ComplexityLevel)
}

func TestHandlerDashboardAndStatistics(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRole(Role{Name: "member", DisplayName: "Member", Level: 100, IsActive: true})
	router := newTestRouter(repo)

	require.Equal(t, http.StatusOK, doJSON(t, router, http.MethodGet, "/dashboard", nil).Code)

	rec := doJSON(t, router, http.MethodGet, "/statistics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats RoleStatistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.TotalRoles)
}

func TestHandlerUserRoleLifecycle(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRole(Role{Name: "editor", DisplayName: "Editor", Level: 300, IsActive: true})
	router := newTestRouter(repo)

	rec := doJSON(t, router, http.MethodPost, "/users/internal_user/7/roles", map[string]any{
		"role_ids": []int64{1},
		"reason":   "onboarding",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/users/internal_user/7/roles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var roles []Role
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &roles))
	require.Len(t, roles, 1)

	require.Equal(t, http.StatusNoContent, doJSON(t, router, http.MethodDelete, "/users/internal_user/7/roles/1", nil).Code)

	rec = doJSON(t, router, http.MethodGet, "/users/internal_user/7/roles", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &roles))
	require.Empty(t, roles)
}

func TestHandlerRejectsUnknownUserType(t *testing.T) {
	router := newTestRouter(newMemoryRepo())

	rec := doJSON(t, router, http.MethodPost, "/users/both/7/roles", map[string]any{"role_ids": []int64{1}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerPermissionsByCategory(t *testing.T) {
	repo := newMemoryRepo()
	repo.addPermission("content.view", "View Content", "content", true)
	repo.addPermission("projects.manage", "Manage Projects", "projects", true)
	router := newTestRouter(repo)

	rec := doJSON(t, router, http.MethodGet, "/permissions/by-category", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var grouped map[string][]Permission
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &grouped))
	require.Len(t, grouped, 2)
}
