package security

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/atrium-campus/atrium/internal/testing/guard"
)

// memoryRepo backs the engine with maps. It satisfies both RepositoryPort and
// TxRepository, so WithTx hands the callback the repo itself.
type memoryRepo struct {
	roles     map[int64]Role
	perms     map[int64]Permission
	rolePerms map[int64]map[int64]RolePermission
	userRoles map[string]UserRoleAssignment
	nextID    int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		roles:     make(map[int64]Role),
		perms:     make(map[int64]Permission),
		rolePerms: make(map[int64]map[int64]RolePermission),
		userRoles: make(map[string]UserRoleAssignment),
	}
}

func userRoleKey(userID, roleID int64, userType UserType) string {
	return fmt.Sprintf("%d:%d:%s", userID, roleID, userType)
}

func (r *memoryRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *memoryRepo) addPermission(name, displayName, category string, active bool) Permission {
	perm := Permission{
		ID:          r.id(),
		Name:        name,
		DisplayName: displayName,
		Category:    category,
		IsActive:    active,
		CreatedAt:   time.Now(),
	}
	r.perms[perm.ID] = perm
	return perm
}

func (r *memoryRepo) addRole(role Role) Role {
	role.ID = r.id()
	if role.CreatedAt.IsZero() {
		role.CreatedAt = time.Now()
	}
	r.roles[role.ID] = role
	return role
}

func (r *memoryRepo) addAssignment(userID, roleID int64, userType UserType) {
	ur := UserRoleAssignment{
		ID:        r.id(),
		UserID:    userID,
		RoleID:    roleID,
		UserType:  userType,
		IsActive:  true,
		CreatedAt: time.Now(),
	}
	r.userRoles[userRoleKey(userID, roleID, userType)] = ur
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, r)
}

func (r *memoryRepo) GetRole(ctx context.Context, id int64) (Role, error) {
	role, ok := r.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (r *memoryRepo) GetRoleByName(ctx context.Context, name string) (Role, error) {
	for _, role := range r.roles {
		if role.Name == name {
			return role, nil
		}
	}
	return Role{}, ErrNotFound
}

func (r *memoryRepo) GetPermission(ctx context.Context, id int64) (Permission, error) {
	perm, ok := r.perms[id]
	if !ok {
		return Permission{}, ErrNotFound
	}
	return perm, nil
}

func (r *memoryRepo) GetPermissionByName(ctx context.Context, name string) (Permission, error) {
	for _, perm := range r.perms {
		if perm.Name == name {
			return perm, nil
		}
	}
	return Permission{}, ErrNotFound
}

func (r *memoryRepo) FindActiveRoleAtLevel(ctx context.Context, level int, excludeRoleID int64) (Role, bool, error) {
	for _, role := range r.roles {
		if role.Level == level && role.IsActive && role.ID != excludeRoleID {
			return role, true, nil
		}
	}
	return Role{}, false, nil
}

func (r *memoryRepo) ActiveAssignmentCount(ctx context.Context, roleID int64) (int, error) {
	count := 0
	for _, ur := range r.userRoles {
		if ur.RoleID == roleID && ur.IsActive {
			count++
		}
	}
	return count, nil
}

func (r *memoryRepo) ListRolePermissions(ctx context.Context, roleID int64) ([]RolePermission, error) {
	var out []RolePermission
	for _, rp := range r.rolePerms[roleID] {
		if rp.IsActive {
			out = append(out, rp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PermissionID < out[j].PermissionID })
	return out, nil
}

func (r *memoryRepo) CreateRole(ctx context.Context, role Role) (Role, error) {
	for _, existing := range r.roles {
		if existing.Name == role.Name {
			return Role{}, ErrDuplicate
		}
	}
	role.ID = r.id()
	role.CreatedAt = time.Now()
	role.UpdatedAt = role.CreatedAt
	r.roles[role.ID] = role
	return role, nil
}

func (r *memoryRepo) UpdateRole(ctx context.Context, role Role) (Role, error) {
	if _, ok := r.roles[role.ID]; !ok {
		return Role{}, ErrNotFound
	}
	role.UpdatedAt = time.Now()
	r.roles[role.ID] = role
	return role, nil
}

func (r *memoryRepo) DeleteRole(ctx context.Context, roleID int64) error {
	if _, ok := r.roles[roleID]; !ok {
		return ErrNotFound
	}
	delete(r.roles, roleID)
	return nil
}

func (r *memoryRepo) UpsertRolePermission(ctx context.Context, rp RolePermission) (RolePermission, error) {
	byPerm, ok := r.rolePerms[rp.RoleID]
	if !ok {
		byPerm = make(map[int64]RolePermission)
		r.rolePerms[rp.RoleID] = byPerm
	}
	if existing, ok := byPerm[rp.PermissionID]; ok {
		existing.IsActive = rp.IsActive
		existing.GrantType = rp.GrantType
		existing.AssignedReason = rp.AssignedReason
		byPerm[rp.PermissionID] = existing
		return existing, nil
	}
	rp.ID = r.id()
	rp.CreatedAt = time.Now()
	byPerm[rp.PermissionID] = rp
	return rp, nil
}

func (r *memoryRepo) DeactivateRolePermissions(ctx context.Context, roleID int64) error {
	for pid, rp := range r.rolePerms[roleID] {
		rp.IsActive = false
		r.rolePerms[roleID][pid] = rp
	}
	return nil
}

func (r *memoryRepo) DeactivateRolePermission(ctx context.Context, roleID, permissionID int64) error {
	if rp, ok := r.rolePerms[roleID][permissionID]; ok {
		rp.IsActive = false
		r.rolePerms[roleID][permissionID] = rp
	}
	return nil
}

func (r *memoryRepo) DeleteRolePermissions(ctx context.Context, roleID int64) error {
	delete(r.rolePerms, roleID)
	return nil
}

func (r *memoryRepo) UpsertUserRole(ctx context.Context, ur UserRoleAssignment) (UserRoleAssignment, error) {
	key := userRoleKey(ur.UserID, ur.RoleID, ur.UserType)
	if existing, ok := r.userRoles[key]; ok {
		existing.IsActive = ur.IsActive
		existing.IsPrimary = ur.IsPrimary
		existing.AssignedReason = ur.AssignedReason
		r.userRoles[key] = existing
		return existing, nil
	}
	ur.ID = r.id()
	ur.CreatedAt = time.Now()
	r.userRoles[key] = ur
	return ur, nil
}

func (r *memoryRepo) DeactivateUserRole(ctx context.Context, userID, roleID int64, userType UserType) error {
	key := userRoleKey(userID, roleID, userType)
	ur, ok := r.userRoles[key]
	if !ok {
		return ErrNotFound
	}
	ur.IsActive = false
	r.userRoles[key] = ur
	return nil
}

func (r *memoryRepo) DeactivateUserRolesForRole(ctx context.Context, roleID int64) (int, error) {
	count := 0
	for key, ur := range r.userRoles {
		if ur.RoleID == roleID && ur.IsActive {
			ur.IsActive = false
			r.userRoles[key] = ur
			count++
		}
	}
	return count, nil
}

func (r *memoryRepo) ListRoles(ctx context.Context, filter RoleFilter) ([]Role, int, error) {
	var out []Role
	for _, role := range r.roles {
		if filter.Search != "" && !strings.Contains(role.Name, filter.Search) && !strings.Contains(role.DisplayName, filter.Search) {
			continue
		}
		if filter.RoleType != "" && role.RoleType != filter.RoleType {
			continue
		}
		if filter.IsActive != nil && role.IsActive != *filter.IsActive {
			continue
		}
		if filter.LevelMin != nil && role.Level < *filter.LevelMin {
			continue
		}
		if filter.LevelMax != nil && role.Level > *filter.LevelMax {
			continue
		}
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (r *memoryRepo) ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, int, error) {
	var out []Permission
	for _, perm := range r.perms {
		if filter.Category != "" && perm.Category != filter.Category {
			continue
		}
		if filter.IsActive != nil && perm.IsActive != *filter.IsActive {
			continue
		}
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (r *memoryRepo) PermissionsByCategory(ctx context.Context) (map[string][]Permission, error) {
	grouped := make(map[string][]Permission)
	for _, perm := range r.perms {
		if perm.IsActive {
			grouped[perm.Category] = append(grouped[perm.Category], perm)
		}
	}
	return grouped, nil
}

func (r *memoryRepo) ListRolePermissionDetails(ctx context.Context, roleID int64) ([]RolePermissionDetail, error) {
	var out []RolePermissionDetail
	for _, rp := range r.rolePerms[roleID] {
		if !rp.IsActive {
			continue
		}
		perm, ok := r.perms[rp.PermissionID]
		if !ok || !perm.IsActive {
			continue
		}
		out = append(out, RolePermissionDetail{RolePermission: rp, Permission: perm})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PermissionID < out[j].PermissionID })
	return out, nil
}

func (r *memoryRepo) ListUserRoles(ctx context.Context, userID int64, userType UserType) ([]Role, error) {
	var out []Role
	for _, ur := range r.userRoles {
		if ur.UserID != userID || ur.UserType != userType || !ur.IsActive {
			continue
		}
		role, ok := r.roles[ur.RoleID]
		if !ok || !role.IsActive {
			continue
		}
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func (r *memoryRepo) RoleStatistics(ctx context.Context) (RoleStatistics, error) {
	stats := RoleStatistics{
		ByUserType:           make(map[string]int),
		ByRoleType:           make(map[string]int),
		ByPermissionCategory: make(map[string]int),
	}
	for _, role := range r.roles {
		stats.TotalRoles++
		if role.IsActive {
			stats.ActiveRoles++
			stats.ByRoleType[string(role.RoleType)]++
		}
		if role.IsSystem {
			stats.SystemRoles++
		}
		if role.RoleType == RoleTypeCustom {
			stats.CustomRoles++
		}
	}
	for _, perm := range r.perms {
		stats.TotalPermissions++
		if perm.IsActive {
			stats.ActivePermissions++
			stats.ByPermissionCategory[perm.Category]++
		}
	}
	for _, ur := range r.userRoles {
		if ur.IsActive {
			stats.TotalAssignments++
			stats.ByUserType[string(ur.UserType)]++
		}
	}
	return stats, nil
}

func (r *memoryRepo) PermissionUsage(ctx context.Context) ([]PermissionUsage, error) {
	population := make(map[int64]struct{})
	for _, ur := range r.userRoles {
		if ur.IsActive {
			population[ur.UserID] = struct{}{}
		}
	}
	denominator := len(population)
	if denominator == 0 {
		denominator = 1
	}

	var out []PermissionUsage
	for _, perm := range r.perms {
		if !perm.IsActive {
			continue
		}
		usage := PermissionUsage{PermissionID: perm.ID, PermissionName: perm.Name}
		users := make(map[int64]struct{})
		for roleID, byPerm := range r.rolePerms {
			rp, ok := byPerm[perm.ID]
			if !ok || !rp.IsActive {
				continue
			}
			usage.RolesCount++
			for _, ur := range r.userRoles {
				if ur.RoleID == roleID && ur.IsActive {
					users[ur.UserID] = struct{}{}
				}
			}
		}
		usage.UsersCount = len(users)
		usage.UsagePercentage = float64(len(users)) * 100.0 / float64(denominator)
		out = append(out, usage)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UsagePercentage != out[j].UsagePercentage {
			return out[i].UsagePercentage > out[j].UsagePercentage
		}
		return out[i].PermissionName < out[j].PermissionName
	})
	return out, nil
}

func (r *memoryRepo) MostUsedRoles(ctx context.Context, limit int) ([]RoleUsage, error) {
	var out []RoleUsage
	for _, role := range r.roles {
		if !role.IsActive {
			continue
		}
		count, _ := r.ActiveAssignmentCount(ctx, role.ID)
		if count == 0 {
			continue
		}
		out = append(out, RoleUsage{RoleID: role.ID, Name: role.Name, DisplayName: role.DisplayName, AssignmentCount: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignmentCount > out[j].AssignmentCount })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
