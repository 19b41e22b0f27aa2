package security

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atrium-campus/atrium/internal/platform/db"
)

const roleColumns = `id, name, display_name, description, level, role_type, target_user_type, is_active, is_system, is_default, color, icon, sort_order, max_assignments, created_at, updated_at`

const permissionColumns = `id, name, display_name, description, category, resource, action, is_active, is_system, sort_order, created_at, updated_at`

const rolePermissionColumns = `id, role_id, permission_id, is_active, grant_type, assigned_reason, valid_from, valid_until, created_at`

const userRoleColumns = `id, user_id, role_id, user_type, is_active, is_primary, assigned_reason, created_at`

// Repository provides PostgreSQL backed persistence for the engine.
type Repository struct {
	queries
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{queries: queries{db: pool}, pool: pool}
}

var (
	_ RepositoryPort = (*Repository)(nil)
	_ TxRepository   = (*txRepo)(nil)
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so reads can run
// against the pool or inside a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type queries struct {
	db querier
}

type txRepo struct {
	queries
	tx pgx.Tx
}

// WithTx wraps the callback in a repeatable-read transaction, so validation
// reads and the writes that follow observe one consistent snapshot.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{queries: queries{db: tx}, tx: tx})
	})
}

// mapPgError translates storage-level constraint violations. Uniqueness
// races that slip past validation surface as ErrDuplicate and roll the
// transaction back.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.DisplayName, &role.Description, &role.Level, &role.RoleType, &role.TargetUserType, &role.IsActive, &role.IsSystem, &role.IsDefault, &role.Color, &role.Icon, &role.SortOrder, &role.MaxAssignments, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

func scanPermission(row pgx.Row) (Permission, error) {
	var perm Permission
	err := row.Scan(&perm.ID, &perm.Name, &perm.DisplayName, &perm.Description, &perm.Category, &perm.Resource, &perm.Action, &perm.IsActive, &perm.IsSystem, &perm.SortOrder, &perm.CreatedAt, &perm.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Permission{}, ErrNotFound
	}
	if err != nil {
		return Permission{}, err
	}
	return perm, nil
}

func scanRolePermission(row pgx.Row) (RolePermission, error) {
	var rp RolePermission
	err := row.Scan(&rp.ID, &rp.RoleID, &rp.PermissionID, &rp.IsActive, &rp.GrantType, &rp.AssignedReason, &rp.ValidFrom, &rp.ValidUntil, &rp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return RolePermission{}, ErrNotFound
	}
	if err != nil {
		return RolePermission{}, err
	}
	return rp, nil
}

// GetRole fetches a role by id.
func (q queries) GetRole(ctx context.Context, id int64) (Role, error) {
	return scanRole(q.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
}

// GetRoleByName fetches a role by its exact, case-sensitive name. Inactive
// roles are included, so retired names stay reserved.
func (q queries) GetRoleByName(ctx context.Context, name string) (Role, error) {
	return scanRole(q.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name))
}

// GetPermission fetches a permission by id.
func (q queries) GetPermission(ctx context.Context, id int64) (Permission, error) {
	return scanPermission(q.db.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, id))
}

// GetPermissionByName fetches a permission by its exact name.
func (q queries) GetPermissionByName(ctx context.Context, name string) (Permission, error) {
	return scanPermission(q.db.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE name = $1`, name))
}

// FindActiveRoleAtLevel returns one active role at the given level,
// excluding the provided role id when non-zero.
func (q queries) FindActiveRoleAtLevel(ctx context.Context, level int, excludeRoleID int64) (Role, bool, error) {
	role, err := scanRole(q.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE level = $1 AND is_active AND id <> $2 ORDER BY id LIMIT 1`, level, excludeRoleID))
	if errors.Is(err, ErrNotFound) {
		return Role{}, false, nil
	}
	if err != nil {
		return Role{}, false, err
	}
	return role, true, nil
}

// ActiveAssignmentCount counts active user-role assignments for a role.
func (q queries) ActiveAssignmentCount(ctx context.Context, roleID int64) (int, error) {
	var count int
	err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM user_roles WHERE role_id = $1 AND is_active`, roleID).Scan(&count)
	return count, err
}

// ListRolePermissions returns the active association rows for a role.
func (q queries) ListRolePermissions(ctx context.Context, roleID int64) ([]RolePermission, error) {
	rows, err := q.db.Query(ctx, `SELECT `+rolePermissionColumns+` FROM role_permissions WHERE role_id = $1 AND is_active ORDER BY permission_id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RolePermission
	for rows.Next() {
		rp, err := scanRolePermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rp)
	}
	return out, rows.Err()
}

// CreateRole inserts a role and returns the persisted record.
func (q queries) CreateRole(ctx context.Context, role Role) (Role, error) {
	row := q.db.QueryRow(ctx, `INSERT INTO roles (name, display_name, description, level, role_type, target_user_type, is_active, is_system, is_default, color, icon, sort_order, max_assignments)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING `+roleColumns,
		role.Name, role.DisplayName, role.Description, role.Level, role.RoleType, role.TargetUserType, role.IsActive, role.IsSystem, role.IsDefault, role.Color, role.Icon, role.SortOrder, role.MaxAssignments)
	created, err := scanRole(row)
	if err != nil {
		return Role{}, mapPgError(err)
	}
	return created, nil
}

// UpdateRole persists all mutable role attributes.
func (q queries) UpdateRole(ctx context.Context, role Role) (Role, error) {
	row := q.db.QueryRow(ctx, `UPDATE roles SET name = $2, display_name = $3, description = $4, level = $5, role_type = $6, target_user_type = $7, is_active = $8, is_default = $9, color = $10, icon = $11, sort_order = $12, max_assignments = $13, updated_at = NOW()
		WHERE id = $1
		RETURNING `+roleColumns,
		role.ID, role.Name, role.DisplayName, role.Description, role.Level, role.RoleType, role.TargetUserType, role.IsActive, role.IsDefault, role.Color, role.Icon, role.SortOrder, role.MaxAssignments)
	updated, err := scanRole(row)
	if err != nil {
		return Role{}, mapPgError(err)
	}
	return updated, nil
}

// DeleteRole removes a role row permanently.
func (q queries) DeleteRole(ctx context.Context, roleID int64) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertRolePermission inserts the association or reactivates the existing
// pair, refreshing grant metadata either way.
func (q queries) UpsertRolePermission(ctx context.Context, rp RolePermission) (RolePermission, error) {
	row := q.db.QueryRow(ctx, `INSERT INTO role_permissions (role_id, permission_id, is_active, grant_type, assigned_reason, valid_from, valid_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (role_id, permission_id) DO UPDATE
		SET is_active = EXCLUDED.is_active, grant_type = EXCLUDED.grant_type, assigned_reason = EXCLUDED.assigned_reason
		RETURNING `+rolePermissionColumns,
		rp.RoleID, rp.PermissionID, rp.IsActive, rp.GrantType, rp.AssignedReason, rp.ValidFrom, rp.ValidUntil)
	stored, err := scanRolePermission(row)
	if err != nil {
		return RolePermission{}, mapPgError(err)
	}
	return stored, nil
}

// DeactivateRolePermissions deactivates every association of a role.
func (q queries) DeactivateRolePermissions(ctx context.Context, roleID int64) error {
	_, err := q.db.Exec(ctx, `UPDATE role_permissions SET is_active = FALSE WHERE role_id = $1`, roleID)
	return err
}

// DeactivateRolePermission deactivates one association pair.
func (q queries) DeactivateRolePermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := q.db.Exec(ctx, `UPDATE role_permissions SET is_active = FALSE WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	return err
}

// DeleteRolePermissions removes all association rows of a role permanently.
func (q queries) DeleteRolePermissions(ctx context.Context, roleID int64) error {
	_, err := q.db.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID)
	return err
}

// UpsertUserRole inserts the assignment or reactivates the existing tuple.
func (q queries) UpsertUserRole(ctx context.Context, ur UserRoleAssignment) (UserRoleAssignment, error) {
	row := q.db.QueryRow(ctx, `INSERT INTO user_roles (user_id, role_id, user_type, is_active, is_primary, assigned_reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, role_id, user_type) DO UPDATE
		SET is_active = EXCLUDED.is_active, is_primary = EXCLUDED.is_primary, assigned_reason = EXCLUDED.assigned_reason
		RETURNING `+userRoleColumns,
		ur.UserID, ur.RoleID, ur.UserType, ur.IsActive, ur.IsPrimary, ur.AssignedReason)
	var stored UserRoleAssignment
	err := row.Scan(&stored.ID, &stored.UserID, &stored.RoleID, &stored.UserType, &stored.IsActive, &stored.IsPrimary, &stored.AssignedReason, &stored.CreatedAt)
	if err != nil {
		return UserRoleAssignment{}, mapPgError(err)
	}
	return stored, nil
}

// DeactivateUserRole deactivates one assignment tuple.
func (q queries) DeactivateUserRole(ctx context.Context, userID, roleID int64, userType UserType) error {
	tag, err := q.db.Exec(ctx, `UPDATE user_roles SET is_active = FALSE WHERE user_id = $1 AND role_id = $2 AND user_type = $3`, userID, roleID, userType)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateUserRolesForRole cascade-deactivates all assignments of a role
// and reports how many rows changed.
func (q queries) DeactivateUserRolesForRole(ctx context.Context, roleID int64) (int, error) {
	tag, err := q.db.Exec(ctx, `UPDATE user_roles SET is_active = FALSE WHERE role_id = $1 AND is_active`, roleID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ListRoles returns roles matching the filter plus the unpaginated total.
func (r *Repository) ListRoles(ctx context.Context, filter RoleFilter) ([]Role, int, error) {
	var clauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Search != "" {
		p := arg("%" + filter.Search + "%")
		clauses = append(clauses, fmt.Sprintf("(name ILIKE %[1]s OR display_name ILIKE %[1]s OR description ILIKE %[1]s)", p))
	}
	if filter.RoleType != "" {
		clauses = append(clauses, "role_type = "+arg(filter.RoleType))
	}
	if filter.TargetUserType != "" {
		p := arg(filter.TargetUserType)
		clauses = append(clauses, fmt.Sprintf("(target_user_type = %s OR target_user_type = 'both' OR target_user_type = '')", p))
	}
	if filter.IsActive != nil {
		clauses = append(clauses, "is_active = "+arg(*filter.IsActive))
	}
	if filter.LevelMin != nil {
		clauses = append(clauses, "level >= "+arg(*filter.LevelMin))
	}
	if filter.LevelMax != nil {
		clauses = append(clauses, "level <= "+arg(*filter.LevelMax))
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM roles`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	query := `SELECT ` + roleColumns + ` FROM roles` + where + ` ORDER BY level, sort_order, name LIMIT ` + arg(perPage) + ` OFFSET ` + arg((page-1)*perPage)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, 0, err
		}
		roles = append(roles, role)
	}
	return roles, total, rows.Err()
}

// ListPermissions returns permissions matching the filter plus the total.
func (r *Repository) ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, int, error) {
	var clauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Search != "" {
		p := arg("%" + filter.Search + "%")
		clauses = append(clauses, fmt.Sprintf("(name ILIKE %[1]s OR display_name ILIKE %[1]s OR description ILIKE %[1]s)", p))
	}
	if filter.Category != "" {
		clauses = append(clauses, "category = "+arg(filter.Category))
	}
	if filter.IsActive != nil {
		clauses = append(clauses, "is_active = "+arg(*filter.IsActive))
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM permissions`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	query := `SELECT ` + permissionColumns + ` FROM permissions` + where + ` ORDER BY category, sort_order, name LIMIT ` + arg(perPage) + ` OFFSET ` + arg((page-1)*perPage)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, 0, err
		}
		perms = append(perms, perm)
	}
	return perms, total, rows.Err()
}

// PermissionsByCategory groups active permissions by category.
func (r *Repository) PermissionsByCategory(ctx context.Context) (map[string][]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE is_active ORDER BY category, sort_order, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	grouped := make(map[string][]Permission)
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		grouped[perm.Category] = append(grouped[perm.Category], perm)
	}
	return grouped, rows.Err()
}

// ListRolePermissionDetails joins active associations with their active
// permissions for one role.
func (r *Repository) ListRolePermissionDetails(ctx context.Context, roleID int64) ([]RolePermissionDetail, error) {
	rows, err := r.pool.Query(ctx, `SELECT rp.id, rp.role_id, rp.permission_id, rp.is_active, rp.grant_type, rp.assigned_reason, rp.valid_from, rp.valid_until, rp.created_at,
			p.id, p.name, p.display_name, p.description, p.category, p.resource, p.action, p.is_active, p.is_system, p.sort_order, p.created_at, p.updated_at
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1 AND rp.is_active AND p.is_active
		ORDER BY p.category, p.sort_order, p.name`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RolePermissionDetail
	for rows.Next() {
		var d RolePermissionDetail
		if err := rows.Scan(&d.ID, &d.RoleID, &d.PermissionID, &d.IsActive, &d.GrantType, &d.AssignedReason, &d.ValidFrom, &d.ValidUntil, &d.CreatedAt,
			&d.Permission.ID, &d.Permission.Name, &d.Permission.DisplayName, &d.Permission.Description, &d.Permission.Category, &d.Permission.Resource, &d.Permission.Action, &d.Permission.IsActive, &d.Permission.IsSystem, &d.Permission.SortOrder, &d.Permission.CreatedAt, &d.Permission.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListUserRoles returns the active roles of a user identity ordered by level.
func (r *Repository) ListUserRoles(ctx context.Context, userID int64, userType UserType) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+prefixedRoleColumns("r")+`
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1 AND ur.user_type = $2 AND ur.is_active AND r.is_active
		ORDER BY r.level, r.name`, userID, userType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// RoleStatistics aggregates graph-wide counts in one round trip per block.
func (r *Repository) RoleStatistics(ctx context.Context) (RoleStatistics, error) {
	var stats RoleStatistics
	err := r.pool.QueryRow(ctx, `SELECT
			(SELECT COUNT(*) FROM roles),
			(SELECT COUNT(*) FROM roles WHERE is_active),
			(SELECT COUNT(*) FROM roles WHERE is_system),
			(SELECT COUNT(*) FROM roles WHERE role_type = 'custom'),
			(SELECT COUNT(*) FROM permissions),
			(SELECT COUNT(*) FROM permissions WHERE is_active),
			(SELECT COUNT(*) FROM user_roles WHERE is_active)`).
		Scan(&stats.TotalRoles, &stats.ActiveRoles, &stats.SystemRoles, &stats.CustomRoles, &stats.TotalPermissions, &stats.ActivePermissions, &stats.TotalAssignments)
	if err != nil {
		return RoleStatistics{}, err
	}

	stats.ByUserType, err = r.groupedCount(ctx, `SELECT user_type, COUNT(*) FROM user_roles WHERE is_active GROUP BY user_type`)
	if err != nil {
		return RoleStatistics{}, err
	}
	stats.ByRoleType, err = r.groupedCount(ctx, `SELECT role_type, COUNT(*) FROM roles WHERE is_active GROUP BY role_type`)
	if err != nil {
		return RoleStatistics{}, err
	}
	stats.ByPermissionCategory, err = r.groupedCount(ctx, `SELECT category, COUNT(*) FROM permissions WHERE is_active GROUP BY category`)
	if err != nil {
		return RoleStatistics{}, err
	}
	return stats, nil
}

func (r *Repository) groupedCount(ctx context.Context, query string) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		out[key] = count
	}
	return out, rows.Err()
}

// PermissionUsage computes per-permission role and user reach, sorted by
// usage percentage descending. The percentage denominator is the distinct
// active assigned user population, floored at one to avoid division by zero.
func (r *Repository) PermissionUsage(ctx context.Context) ([]PermissionUsage, error) {
	rows, err := r.pool.Query(ctx, `SELECT p.id, p.name,
			COUNT(DISTINCT rp.role_id) AS roles_count,
			COUNT(DISTINCT ur.user_id) AS users_count,
			ROUND(COUNT(DISTINCT ur.user_id) * 100.0 / GREATEST((SELECT COUNT(DISTINCT user_id) FROM user_roles WHERE is_active), 1), 2) AS usage_percentage
		FROM permissions p
		LEFT JOIN role_permissions rp ON rp.permission_id = p.id AND rp.is_active
		LEFT JOIN user_roles ur ON ur.role_id = rp.role_id AND ur.is_active
		WHERE p.is_active
		GROUP BY p.id, p.name
		ORDER BY usage_percentage DESC, p.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PermissionUsage
	for rows.Next() {
		var u PermissionUsage
		if err := rows.Scan(&u.PermissionID, &u.PermissionName, &u.RolesCount, &u.UsersCount, &u.UsagePercentage); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// MostUsedRoles returns the top roles by active assignment count.
func (r *Repository) MostUsedRoles(ctx context.Context, limit int) ([]RoleUsage, error) {
	rows, err := r.pool.Query(ctx, `SELECT r.id, r.name, r.display_name, COUNT(ur.id) AS assignment_count
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id AND ur.is_active
		WHERE r.is_active
		GROUP BY r.id, r.name, r.display_name
		ORDER BY assignment_count DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RoleUsage
	for rows.Next() {
		var u RoleUsage
		if err := rows.Scan(&u.RoleID, &u.Name, &u.DisplayName, &u.AssignmentCount); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func prefixedRoleColumns(alias string) string {
	cols := strings.Split(roleColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}
