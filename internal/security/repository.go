package security

import (
	"context"
)

// Snapshot is the read-only view the validation engine consults. Both the
// repository and its transactional wrapper satisfy it, so validation can run
// against the same snapshot as the write that follows.
type Snapshot interface {
	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	GetPermission(ctx context.Context, id int64) (Permission, error)
	GetPermissionByName(ctx context.Context, name string) (Permission, error)
	FindActiveRoleAtLevel(ctx context.Context, level int, excludeRoleID int64) (Role, bool, error)
	ActiveAssignmentCount(ctx context.Context, roleID int64) (int, error)
	ListRolePermissions(ctx context.Context, roleID int64) ([]RolePermission, error)
}

// TxRepository exposes operations executed inside a single transaction.
type TxRepository interface {
	Snapshot

	CreateRole(ctx context.Context, role Role) (Role, error)
	UpdateRole(ctx context.Context, role Role) (Role, error)
	DeleteRole(ctx context.Context, roleID int64) error

	// UpsertRolePermission inserts the association or reactivates an existing
	// (role, permission) pair, refreshing grant metadata either way.
	UpsertRolePermission(ctx context.Context, rp RolePermission) (RolePermission, error)
	DeactivateRolePermissions(ctx context.Context, roleID int64) error
	DeactivateRolePermission(ctx context.Context, roleID, permissionID int64) error
	DeleteRolePermissions(ctx context.Context, roleID int64) error

	UpsertUserRole(ctx context.Context, ur UserRoleAssignment) (UserRoleAssignment, error)
	DeactivateUserRole(ctx context.Context, userID, roleID int64, userType UserType) error
	DeactivateUserRolesForRole(ctx context.Context, roleID int64) (int, error)
}

// RoleFilter narrows role listings.
type RoleFilter struct {
	Search         string
	RoleType       RoleType
	TargetUserType UserType
	IsActive       *bool
	LevelMin       *int
	LevelMax       *int
	Page           int
	PerPage        int
}

// PermissionFilter narrows permission listings.
type PermissionFilter struct {
	Search   string
	Category string
	IsActive *bool
	Page     int
	PerPage  int
}

// RepositoryPort describes the persistence collaborator the engine consumes.
type RepositoryPort interface {
	Snapshot

	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	ListRoles(ctx context.Context, filter RoleFilter) ([]Role, int, error)
	ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, int, error)
	PermissionsByCategory(ctx context.Context) (map[string][]Permission, error)
	ListRolePermissionDetails(ctx context.Context, roleID int64) ([]RolePermissionDetail, error)
	ListUserRoles(ctx context.Context, userID int64, userType UserType) ([]Role, error)

	RoleStatistics(ctx context.Context) (RoleStatistics, error)
	PermissionUsage(ctx context.Context) ([]PermissionUsage, error)
	MostUsedRoles(ctx context.Context, limit int) ([]RoleUsage, error)
}
