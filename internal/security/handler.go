package security

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/atrium-campus/atrium/internal/observability"
	"github.com/atrium-campus/atrium/internal/platform/httpx"
	"github.com/atrium-campus/atrium/internal/shared"
)

// Handler exposes the engine over JSON HTTP.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	analytics *Analytics
	cache     *DashboardCache
	metrics   *observability.Metrics
	validate  *validator.Validate

	rateLimit  int
	rateWindow time.Duration
}

// NewHandler builds the handler. metrics and cache may be nil.
func NewHandler(logger *slog.Logger, service *Service, analytics *Analytics, cache *DashboardCache, metrics *observability.Metrics, rateLimit int, rateWindow time.Duration) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if rateLimit <= 0 {
		rateLimit = 60
	}
	if rateWindow <= 0 {
		rateWindow = time.Minute
	}
	return &Handler{
		logger:     logger,
		service:    service,
		analytics:  analytics,
		cache:      cache,
		metrics:    metrics,
		validate:   validator.New(),
		rateLimit:  rateLimit,
		rateWindow: rateWindow,
	}
}

// MountRoutes registers the security API routes. Mutating routes carry a
// per-IP rate limit.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/roles", h.listRoles)
	r.Get("/roles/{id}", h.getRole)
	r.Get("/roles/{id}/permissions", h.listRolePermissions)
	r.Get("/roles/{id}/complexity", h.roleComplexity)
	r.Get("/permissions", h.listPermissions)
	r.Get("/permissions/by-category", h.permissionsByCategory)
	r.Get("/statistics", h.statistics)
	r.Get("/dashboard", h.dashboard)
	r.Get("/users/{userType}/{userID}/roles", h.listUserRoles)

	r.Post("/roles/validate", h.validateRole)
	r.Post("/roles/{id}/permissions/validate", h.validateRolePermissions)

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(h.rateLimit, h.rateWindow))
		r.Post("/roles", h.createRole)
		r.Put("/roles/{id}", h.updateRole)
		r.Delete("/roles/{id}", h.deleteRole)
		r.Delete("/roles/{id}/permanent", h.hardDeleteRole)
		r.Post("/roles/{id}/clone", h.cloneRole)
		r.Post("/roles/bulk-status", h.bulkRoleStatus)
		r.Put("/roles/{id}/permissions", h.replaceRolePermissions)
		r.Post("/roles/{id}/permissions", h.addRolePermissions)
		r.Delete("/roles/{id}/permissions", h.removeRolePermissions)
		r.Post("/users/{userType}/{userID}/roles", h.assignUserRoles)
		r.Delete("/users/{userType}/{userID}/roles/{roleID}", h.revokeUserRole)
	})
}

type createRoleRequest struct {
	Name           string   `json:"name" validate:"required,min=2,max=100"`
	DisplayName    string   `json:"display_name" validate:"required,max=150"`
	Description    string   `json:"description" validate:"max=500"`
	Level          int      `json:"level" validate:"omitempty,min=1,max=1000"`
	RoleType       RoleType `json:"role_type" validate:"omitempty,oneof=system admin standard custom client"`
	TargetUserType UserType `json:"target_user_type" validate:"omitempty,oneof=internal_user institutional_user both"`
	IsDefault      bool     `json:"is_default"`
	Color          string   `json:"color" validate:"max=20"`
	Icon           string   `json:"icon" validate:"max=50"`
	SortOrder      int      `json:"sort_order" validate:"min=0"`
	MaxAssignments int      `json:"max_assignments" validate:"min=0"`
	PermissionIDs  []int64  `json:"permission_ids" validate:"dive,gt=0"`
}

func (req createRoleRequest) toInput() RoleInput {
	return RoleInput{
		Name:           req.Name,
		DisplayName:    req.DisplayName,
		Description:    req.Description,
		Level:          req.Level,
		RoleType:       req.RoleType,
		TargetUserType: req.TargetUserType,
		IsDefault:      req.IsDefault,
		Color:          req.Color,
		Icon:           req.Icon,
		SortOrder:      req.SortOrder,
		MaxAssignments: req.MaxAssignments,
		PermissionIDs:  req.PermissionIDs,
	}
}

type updateRoleRequest struct {
	Name           *string   `json:"name" validate:"omitempty,min=2,max=100"`
	DisplayName    *string   `json:"display_name" validate:"omitempty,max=150"`
	Description    *string   `json:"description" validate:"omitempty,max=500"`
	Level          *int      `json:"level" validate:"omitempty,min=1,max=1000"`
	RoleType       *RoleType `json:"role_type" validate:"omitempty,oneof=system admin standard custom client"`
	TargetUserType *UserType `json:"target_user_type" validate:"omitempty,oneof=internal_user institutional_user both"`
	IsActive       *bool     `json:"is_active"`
	Color          *string   `json:"color" validate:"omitempty,max=20"`
	Icon           *string   `json:"icon" validate:"omitempty,max=50"`
	SortOrder      *int      `json:"sort_order" validate:"omitempty,min=0"`
	MaxAssignments *int      `json:"max_assignments" validate:"omitempty,min=0"`
}

type cloneRoleRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=100"`
	DisplayName string `json:"display_name" validate:"required,max=150"`
}

type bulkStatusRequest struct {
	RoleIDs  []int64 `json:"role_ids" validate:"required,min=1,dive,gt=0"`
	IsActive *bool   `json:"is_active" validate:"required"`
}

type permissionIDsRequest struct {
	PermissionIDs []int64 `json:"permission_ids" validate:"required,dive,gt=0"`
}

type assignRolesRequest struct {
	RoleIDs []int64 `json:"role_ids" validate:"required,min=1,dive,gt=0"`
	Reason  string  `json:"reason" validate:"max=200"`
}

type listResponse struct {
	Items      any               `json:"items"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := RoleFilter{
		Search:         q.Get("search"),
		RoleType:       RoleType(q.Get("role_type")),
		TargetUserType: UserType(q.Get("target_user_type")),
	}
	if v := q.Get("is_active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "is_active must be a boolean")
			return
		}
		filter.IsActive = &b
	}
	if v := q.Get("level_min"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "level_min must be an integer")
			return
		}
		filter.LevelMin = &n
	}
	if v := q.Get("level_max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "level_max must be an integer")
			return
		}
		filter.LevelMax = &n
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PerPage < 1 || filter.PerPage > 200 {
		filter.PerPage = 20
	}

	roles, total, err := h.service.ListRoles(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if roles == nil {
		roles = []Role{}
	}
	httpx.JSON(w, http.StatusOK, listResponse{Items: roles, Pagination: shared.NewPagination(filter.Page, filter.PerPage, total)})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), req.toInput())
	if err != nil {
		h.observeVerdict("role_create", err)
		h.respondError(w, err)
		return
	}
	h.metrics.ObserveValidation("role_create", true)
	h.invalidateDashboard(r)
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req updateRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	changes := RoleUpdate{
		Name:           req.Name,
		DisplayName:    req.DisplayName,
		Description:    req.Description,
		Level:          req.Level,
		RoleType:       req.RoleType,
		TargetUserType: req.TargetUserType,
		IsActive:       req.IsActive,
		Color:          req.Color,
		Icon:           req.Icon,
		SortOrder:      req.SortOrder,
		MaxAssignments: req.MaxAssignments,
	}
	role, err := h.service.UpdateRole(r.Context(), id, changes)
	if err != nil {
		h.observeVerdict("role_update", err)
		h.respondError(w, err)
		return
	}
	h.metrics.ObserveValidation("role_update", true)
	h.invalidateDashboard(r)
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	h.invalidateDashboard(r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) hardDeleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.HardDeleteRole(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	h.invalidateDashboard(r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) validateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	verdict, err := h.service.ValidateRole(r.Context(), req.toInput())
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.metrics.ObserveValidation("role_validate", verdict.IsValid)
	httpx.JSON(w, http.StatusOK, verdict)
}

func (h *Handler) cloneRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req cloneRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	clone, err := h.service.CloneRole(r.Context(), id, req.Name, req.DisplayName)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.invalidateDashboard(r)
	httpx.JSON(w, http.StatusCreated, clone)
}

func (h *Handler) bulkRoleStatus(w http.ResponseWriter, r *http.Request) {
	var req bulkStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.BulkUpdateRoleStatus(r.Context(), req.RoleIDs, *req.IsActive)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.invalidateDashboard(r)
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) listRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	details, err := h.service.RolePermissionDetails(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if details == nil {
		details = []RolePermissionDetail{}
	}
	httpx.JSON(w, http.StatusOK, details)
}

func (h *Handler) replaceRolePermissions(w http.ResponseWriter, r *http.Request) {
	h.updateRolePermissions(w, r, true)
}

func (h *Handler) addRolePermissions(w http.ResponseWriter, r *http.Request) {
	h.updateRolePermissions(w, r, false)
}

func (h *Handler) updateRolePermissions(w http.ResponseWriter, r *http.Request, replace bool) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req permissionIDsRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.UpdateRolePermissions(r.Context(), id, req.PermissionIDs, replace)
	if err != nil {
		h.observeVerdict("permission_assignment", err)
		h.respondError(w, err)
		return
	}
	h.metrics.ObserveValidation("permission_assignment", true)
	h.invalidateDashboard(r)
	if result == nil {
		result = []RolePermission{}
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) removeRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req permissionIDsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.RemoveRolePermissions(r.Context(), id, req.PermissionIDs); err != nil {
		h.respondError(w, err)
		return
	}
	h.invalidateDashboard(r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) validateRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req permissionIDsRequest
	if !h.decode(w, r, &req) {
		return
	}
	verdict, err := h.service.ValidatePermissionAssignment(r.Context(), id, req.PermissionIDs)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.metrics.ObserveValidation("permission_validate", verdict.IsValid)
	httpx.JSON(w, http.StatusOK, verdict)
}

func (h *Handler) roleComplexity(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	report, err := h.analytics.AnalyzeRoleComplexity(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := PermissionFilter{
		Search:   q.Get("search"),
		Category: q.Get("category"),
	}
	if v := q.Get("is_active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "is_active must be a boolean")
			return
		}
		filter.IsActive = &b
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PerPage < 1 || filter.PerPage > 500 {
		filter.PerPage = 100
	}

	perms, total, err := h.service.ListPermissions(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if perms == nil {
		perms = []Permission{}
	}
	httpx.JSON(w, http.StatusOK, listResponse{Items: perms, Pagination: shared.NewPagination(filter.Page, filter.PerPage, total)})
}

func (h *Handler) permissionsByCategory(w http.ResponseWriter, r *http.Request) {
	grouped, err := h.service.PermissionsByCategory(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, grouped)
}

func (h *Handler) statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.analytics.Statistics(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := h.analytics.Dashboard(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, dash)
}

func (h *Handler) assignUserRoles(w http.ResponseWriter, r *http.Request) {
	userType, userID, ok := h.userPath(w, r)
	if !ok {
		return
	}
	var req assignRolesRequest
	if !h.decode(w, r, &req) {
		return
	}
	assignments, err := h.service.AssignRolesToUser(r.Context(), userType, userID, req.RoleIDs, req.Reason)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.invalidateDashboard(r)
	httpx.JSON(w, http.StatusCreated, assignments)
}

func (h *Handler) revokeUserRole(w http.ResponseWriter, r *http.Request) {
	userType, userID, ok := h.userPath(w, r)
	if !ok {
		return
	}
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.service.RevokeRole(r.Context(), userType, userID, roleID); err != nil {
		h.respondError(w, err)
		return
	}
	h.invalidateDashboard(r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listUserRoles(w http.ResponseWriter, r *http.Request) {
	userType, userID, ok := h.userPath(w, r)
	if !ok {
		return
	}
	roles, err := h.service.ListUserRoles(r.Context(), userID, userType)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if roles == nil {
		roles = []Role{}
	}
	httpx.JSON(w, http.StatusOK, roles)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "path id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) userPath(w http.ResponseWriter, r *http.Request) (UserType, int64, bool) {
	userType := UserType(chi.URLParam(r, "userType"))
	if userType != UserTypeInternal && userType != UserTypeInstitutional {
		httpx.Problem(w, http.StatusBadRequest, "Invalid User Type", "user type must be internal_user or institutional_user")
		return "", 0, false
	}
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return "", 0, false
	}
	return userType, userID, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

// observeVerdict records an invalid verdict when the error carries one.
func (h *Handler) observeVerdict(operation string, err error) {
	var roleErr *RoleValidationError
	var permErr *PermissionValidationError
	if errors.As(err, &roleErr) || errors.As(err, &permErr) {
		h.metrics.ObserveValidation(operation, false)
	}
}

func (h *Handler) invalidateDashboard(r *http.Request) {
	if err := h.cache.Invalidate(r.Context(), DashboardCacheKey); err != nil {
		h.logger.Warn("invalidate dashboard cache", slog.Any("error", err))
	}
}

// respondError renders blocking verdicts as 422 payloads and maps the
// sentinel errors onto problem responses.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var roleErr *RoleValidationError
	if errors.As(err, &roleErr) {
		httpx.JSON(w, http.StatusUnprocessableEntity, roleErr.Verdict)
		return
	}
	var permErr *PermissionValidationError
	if errors.As(err, &permErr) {
		httpx.JSON(w, http.StatusUnprocessableEntity, permErr.Verdict)
		return
	}

	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicate):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrSystemRole):
		httpx.Problem(w, http.StatusForbidden, "System Role Protected", err.Error())
	case errors.Is(err, ErrHasAssignments):
		httpx.Problem(w, http.StatusConflict, "Role In Use", err.Error())
	case errors.Is(err, ErrRoleInactive):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Role Inactive", err.Error())
	case errors.Is(err, ErrAssignmentCap):
		httpx.Problem(w, http.StatusConflict, "Assignment Cap Reached", err.Error())
	default:
		h.logger.Error("security handler", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
