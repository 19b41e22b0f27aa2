// Package security implements the RBAC administration engine: the permission
// catalog, the role registry, role-permission and user-role associations, the
// validation rules guarding every mutation, and the reporting built on top.
package security

import "time"

// UserType discriminates the two concrete user identity stores.
type UserType string

// Supported user types. "both" is only valid as a role target.
const (
	UserTypeInternal      UserType = "internal_user"
	UserTypeInstitutional UserType = "institutional_user"
	UserTypeBoth          UserType = "both"
)

// RoleType classifies a role.
type RoleType string

// Known role types. Cloned roles always become RoleTypeCustom.
const (
	RoleTypeSystem   RoleType = "system"
	RoleTypeAdmin    RoleType = "admin"
	RoleTypeStandard RoleType = "standard"
	RoleTypeCustom   RoleType = "custom"
	RoleTypeClient   RoleType = "client"
)

// GrantTypeDirect marks a permission assigned directly to a role.
const GrantTypeDirect = "direct"

// Permission is an atomic, named capability. Names are globally unique and
// never reused; permissions referenced by roles are deactivated, not deleted.
type Permission struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category"`
	Resource    string    `json:"resource,omitempty"`
	Action      string    `json:"action,omitempty"`
	IsActive    bool      `json:"is_active"`
	IsSystem    bool      `json:"is_system"`
	SortOrder   int       `json:"sort_order"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Role is a named, leveled grouping of permissions assignable to users.
// Higher level means broader privilege; 100 is the default tier, 800 and up
// is administrative territory.
type Role struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	DisplayName    string    `json:"display_name"`
	Description    string    `json:"description,omitempty"`
	Level          int       `json:"level"`
	RoleType       RoleType  `json:"role_type"`
	TargetUserType UserType  `json:"target_user_type,omitempty"`
	IsActive       bool      `json:"is_active"`
	IsSystem       bool      `json:"is_system"`
	IsDefault      bool      `json:"is_default"`
	Color          string    `json:"color,omitempty"`
	Icon           string    `json:"icon,omitempty"`
	SortOrder      int       `json:"sort_order"`
	MaxAssignments int       `json:"max_assignments,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RolePermission links one role to one permission. The (RoleID, PermissionID)
// pair is unique; revocation deactivates the row instead of deleting it.
type RolePermission struct {
	ID             int64      `json:"id"`
	RoleID         int64      `json:"role_id"`
	PermissionID   int64      `json:"permission_id"`
	IsActive       bool       `json:"is_active"`
	GrantType      string     `json:"grant_type"`
	AssignedReason string     `json:"assigned_reason,omitempty"`
	ValidFrom      *time.Time `json:"valid_from,omitempty"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// RolePermissionDetail joins an active association with its permission.
type RolePermissionDetail struct {
	RolePermission
	Permission Permission `json:"permission"`
}

// UserRoleAssignment links a user identity to a role. One row per
// (UserID, RoleID, UserType) tuple.
type UserRoleAssignment struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	RoleID         int64     `json:"role_id"`
	UserType       UserType  `json:"user_type"`
	IsActive       bool      `json:"is_active"`
	IsPrimary      bool      `json:"is_primary"`
	AssignedReason string    `json:"assigned_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// RoleInput carries the attributes for creating a role, plus the permission
// ids to attach in the same transaction.
type RoleInput struct {
	Name           string
	DisplayName    string
	Description    string
	Level          int
	RoleType       RoleType
	TargetUserType UserType
	IsDefault      bool
	Color          string
	Icon           string
	SortOrder      int
	MaxAssignments int
	PermissionIDs  []int64
}

// RoleUpdate carries partial changes to an existing role. Nil fields are
// left untouched.
type RoleUpdate struct {
	Name           *string
	DisplayName    *string
	Description    *string
	Level          *int
	RoleType       *RoleType
	TargetUserType *UserType
	IsActive       *bool
	Color          *string
	Icon           *string
	SortOrder      *int
	MaxAssignments *int
}

// RoleValidation is the verdict for a role mutation. Only conflicts block
// the operation; warnings and suggestions are advisory.
type RoleValidation struct {
	IsValid     bool     `json:"is_valid"`
	Conflicts   []string `json:"conflicts"`
	Warnings    []string `json:"warnings"`
	Suggestions []string `json:"suggestions"`
}

// PermissionValidation is the verdict for assigning permissions to a role.
type PermissionValidation struct {
	IsValid                bool     `json:"is_valid"`
	MissingPermissions     []string `json:"missing_permissions"`
	ConflictingPermissions []string `json:"conflicting_permissions"`
	RecommendedPermissions []string `json:"recommended_permissions"`
}

// BulkStatusResult reports the outcome of a best-effort bulk status change.
type BulkStatusResult struct {
	UpdatedCount   int      `json:"updated_count"`
	TotalRequested int      `json:"total_requested"`
	Errors         []string `json:"errors"`
}

// RoleComplexity is the derived complexity report for one role.
type RoleComplexity struct {
	RoleName             string         `json:"role_name"`
	PermissionCount      int            `json:"permission_count"`
	CategoryCount        int            `json:"category_count"`
	CategoryDistribution map[string]int `json:"category_distribution"`
	AssignmentCount      int            `json:"assignment_count"`
	ComplexityScore      int            `json:"complexity_score"`
	ComplexityLevel      string         `json:"complexity_level"`
	Recommendations      []string       `json:"recommendations"`
}

// PermissionUsage describes how widely a permission is granted.
type PermissionUsage struct {
	PermissionID    int64   `json:"permission_id"`
	PermissionName  string  `json:"permission_name"`
	RolesCount      int     `json:"roles_count"`
	UsersCount      int     `json:"users_count"`
	UsagePercentage float64 `json:"usage_percentage"`
}

// RoleUsage describes how often a role is assigned.
type RoleUsage struct {
	RoleID          int64  `json:"role_id"`
	Name            string `json:"name"`
	DisplayName     string `json:"display_name"`
	AssignmentCount int    `json:"assignment_count"`
}

// RoleStatistics aggregates counts over the whole graph.
type RoleStatistics struct {
	TotalRoles           int            `json:"total_roles"`
	ActiveRoles          int            `json:"active_roles"`
	SystemRoles          int            `json:"system_roles"`
	CustomRoles          int            `json:"custom_roles"`
	TotalPermissions     int            `json:"total_permissions"`
	ActivePermissions    int            `json:"active_permissions"`
	TotalAssignments     int            `json:"total_assignments"`
	ByUserType           map[string]int `json:"by_user_type"`
	ByRoleType           map[string]int `json:"by_role_type"`
	ByPermissionCategory map[string]int `json:"by_permission_category"`
}

// Dashboard is the aggregated security reporting payload.
type Dashboard struct {
	Statistics           RoleStatistics    `json:"statistics"`
	PermissionUsage      []PermissionUsage `json:"permission_usage"`
	PopularRoles         []RoleUsage       `json:"popular_roles"`
	UnderusedPermissions []PermissionUsage `json:"underused_permissions"`
}
