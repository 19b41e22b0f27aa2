package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/atrium-campus/atrium/internal/shared"
)

// Assignment provenance reasons recorded on role-permission rows.
const (
	reasonInitialCreation    = "Initial role creation"
	reasonPermissionUpdate   = "Permission update"
	reasonPermissionAddition = "Permission addition"
)

// IdentityPort resolves user identities across the two concrete user stores.
type IdentityPort interface {
	Exists(ctx context.Context, userType UserType, userID int64) (bool, error)
}

// AuditPort captures audit events for administrative mutations.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates administrative RBAC operations. Every single-role
// mutation validates and writes inside one transaction; only bulk status
// changes run best-effort per item.
type Service struct {
	repo     RepositoryPort
	identity IdentityPort
	audit    AuditPort
	logger   *slog.Logger
}

// NewService wires the engine's collaborators. identity and audit may be nil
// in tests.
func NewService(repo RepositoryPort, identity IdentityPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, identity: identity, audit: audit, logger: logger}
}

// GetRole fetches a role by id.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// ListRoles returns roles matching the filter plus the total count.
func (s *Service) ListRoles(ctx context.Context, filter RoleFilter) ([]Role, int, error) {
	return s.repo.ListRoles(ctx, filter)
}

// ListPermissions returns permissions matching the filter plus the total count.
func (s *Service) ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, int, error) {
	return s.repo.ListPermissions(ctx, filter)
}

// PermissionsByCategory groups all active permissions by category.
func (s *Service) PermissionsByCategory(ctx context.Context) (map[string][]Permission, error) {
	return s.repo.PermissionsByCategory(ctx)
}

// RolePermissionDetails returns the active role-permission rows joined with
// their permissions.
func (s *Service) RolePermissionDetails(ctx context.Context, roleID int64) ([]RolePermissionDetail, error) {
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	return s.repo.ListRolePermissionDetails(ctx, roleID)
}

// ValidateRole evaluates a creation candidate without persisting anything.
func (s *Service) ValidateRole(ctx context.Context, input RoleInput) (RoleValidation, error) {
	applyRoleDefaults(&input)
	return NewValidator(s.repo).ValidateRoleCreation(ctx, input)
}

// ValidatePermissionAssignment evaluates a proposed permission set without
// persisting anything.
func (s *Service) ValidatePermissionAssignment(ctx context.Context, roleID int64, permissionIDs []int64) (PermissionValidation, error) {
	return NewValidator(s.repo).ValidatePermissionAssignment(ctx, roleID, permissionIDs)
}

// CreateRole validates the candidate and persists the role together with its
// requested permissions. Nothing is written when validation reports a
// conflict; a *RoleValidationError carries the verdict back to the caller.
func (s *Service) CreateRole(ctx context.Context, input RoleInput) (Role, error) {
	applyRoleDefaults(&input)

	var created Role
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		verdict, err := NewValidator(tx).ValidateRoleCreation(ctx, input)
		if err != nil {
			return err
		}
		if !verdict.IsValid {
			return &RoleValidationError{Verdict: verdict}
		}

		role := Role{
			Name:           input.Name,
			DisplayName:    input.DisplayName,
			Description:    input.Description,
			Level:          input.Level,
			RoleType:       input.RoleType,
			TargetUserType: input.TargetUserType,
			IsActive:       true,
			IsSystem:       input.RoleType == RoleTypeSystem,
			IsDefault:      input.IsDefault,
			Color:          input.Color,
			Icon:           input.Icon,
			SortOrder:      input.SortOrder,
			MaxAssignments: input.MaxAssignments,
		}
		created, err = tx.CreateRole(ctx, role)
		if err != nil {
			return err
		}

		for _, pid := range input.PermissionIDs {
			rp := RolePermission{
				RoleID:         created.ID,
				PermissionID:   pid,
				IsActive:       true,
				GrantType:      GrantTypeDirect,
				AssignedReason: reasonInitialCreation,
			}
			if _, err := tx.UpsertRolePermission(ctx, rp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Role{}, err
	}

	s.recordAudit(ctx, "role_create", created.ID, map[string]any{"name": created.Name, "permission_count": len(input.PermissionIDs)})
	return created, nil
}

// UpdateRole applies partial changes after validating them. Deactivating an
// active role cascade-deactivates its user assignments in the same
// transaction; assignments are never hard-deleted.
func (s *Service) UpdateRole(ctx context.Context, id int64, changes RoleUpdate) (Role, error) {
	var updated Role
	var cascaded int
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.GetRole(ctx, id)
		if err != nil {
			return err
		}

		verdict, err := NewValidator(tx).ValidateRoleUpdate(ctx, existing, changes)
		if err != nil {
			return err
		}
		if !verdict.IsValid {
			return &RoleValidationError{Verdict: verdict}
		}

		role := applyRoleUpdate(existing, changes)
		updated, err = tx.UpdateRole(ctx, role)
		if err != nil {
			return err
		}

		if changes.IsActive != nil && !*changes.IsActive && existing.IsActive {
			cascaded, err = tx.DeactivateUserRolesForRole(ctx, id)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Role{}, err
	}

	meta := map[string]any{"name": updated.Name}
	if cascaded > 0 {
		meta["cascaded_assignments"] = cascaded
	}
	s.recordAudit(ctx, "role_update", updated.ID, meta)
	return updated, nil
}

// UpdateRolePermissions assigns permissions to a role and returns the
// resulting active association set. With replace the stored set becomes
// exactly permissionIDs; without it the ids are added idempotently.
func (s *Service) UpdateRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64, replace bool) ([]RolePermission, error) {
	reason := reasonPermissionAddition
	if replace {
		reason = reasonPermissionUpdate
	}

	var result []RolePermission
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		verdict, err := NewValidator(tx).ValidatePermissionAssignment(ctx, roleID, permissionIDs)
		if err != nil {
			return err
		}
		if !verdict.IsValid {
			return &PermissionValidationError{Verdict: verdict}
		}

		if replace {
			if err := tx.DeactivateRolePermissions(ctx, roleID); err != nil {
				return err
			}
		}
		for _, pid := range permissionIDs {
			rp := RolePermission{
				RoleID:         roleID,
				PermissionID:   pid,
				IsActive:       true,
				GrantType:      GrantTypeDirect,
				AssignedReason: reason,
			}
			if _, err := tx.UpsertRolePermission(ctx, rp); err != nil {
				return err
			}
		}

		result, err = tx.ListRolePermissions(ctx, roleID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, "role_permissions_update", roleID, map[string]any{"replace": replace, "requested": len(permissionIDs), "active": len(result)})
	return result, nil
}

// RemoveRolePermissions deactivates the given permissions on a role.
func (s *Service) RemoveRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetRole(ctx, roleID); err != nil {
			return err
		}
		for _, pid := range permissionIDs {
			if err := tx.DeactivateRolePermission(ctx, roleID, pid); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "role_permissions_remove", roleID, map[string]any{"removed": len(permissionIDs)})
	return nil
}

// CloneRole copies a role and its active permission set under a new name.
// The clone is always role_type "custom", even when the source is a system
// role.
func (s *Service) CloneRole(ctx context.Context, sourceRoleID int64, newName, newDisplayName string) (Role, error) {
	var clone Role
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		source, err := tx.GetRole(ctx, sourceRoleID)
		if err != nil {
			return err
		}

		if _, err := tx.GetRoleByName(ctx, newName); err == nil {
			return &RoleValidationError{Verdict: RoleValidation{
				Conflicts: []string{fmt.Sprintf("Role name '%s' already exists", newName)},
			}}
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		clone = Role{
			Name:           newName,
			DisplayName:    newDisplayName,
			Description:    fmt.Sprintf("Cloned from %s", source.Name),
			Level:          source.Level,
			RoleType:       RoleTypeCustom,
			TargetUserType: source.TargetUserType,
			IsActive:       true,
			Color:          source.Color,
			Icon:           source.Icon,
			SortOrder:      source.SortOrder,
			MaxAssignments: source.MaxAssignments,
		}
		clone, err = tx.CreateRole(ctx, clone)
		if err != nil {
			return err
		}

		sourcePerms, err := tx.ListRolePermissions(ctx, sourceRoleID)
		if err != nil {
			return err
		}
		for _, rp := range sourcePerms {
			cloned := RolePermission{
				RoleID:         clone.ID,
				PermissionID:   rp.PermissionID,
				IsActive:       true,
				GrantType:      GrantTypeDirect,
				AssignedReason: fmt.Sprintf("Cloned from role %s", source.Name),
			}
			if _, err := tx.UpsertRolePermission(ctx, cloned); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Role{}, err
	}

	s.recordAudit(ctx, "role_clone", clone.ID, map[string]any{"source_role_id": sourceRoleID, "name": clone.Name})
	return clone, nil
}

// BulkUpdateRoleStatus applies a status change role by role. One failing id
// never aborts the batch; every failure is recorded with the id and reason so
// the caller can retry only the failed subset.
func (s *Service) BulkUpdateRoleStatus(ctx context.Context, roleIDs []int64, isActive bool) (BulkStatusResult, error) {
	result := BulkStatusResult{TotalRequested: len(roleIDs), Errors: []string{}}
	for _, id := range roleIDs {
		if msg := s.applyRoleStatus(ctx, id, isActive); msg != "" {
			result.Errors = append(result.Errors, msg)
			continue
		}
		result.UpdatedCount++
	}

	s.recordAudit(ctx, "role_bulk_status", 0, map[string]any{
		"batch_id":  uuid.NewString(),
		"is_active": isActive,
		"updated":   result.UpdatedCount,
		"requested": result.TotalRequested,
		"failed":    len(result.Errors),
	})
	return result, nil
}

func (s *Service) applyRoleStatus(ctx context.Context, roleID int64, isActive bool) string {
	var protectedName string
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		if role.IsSystem && !isActive {
			protectedName = role.Name
			return ErrSystemRole
		}
		role.IsActive = isActive
		if _, err := tx.UpdateRole(ctx, role); err != nil {
			return err
		}
		if !isActive {
			if _, err := tx.DeactivateUserRolesForRole(ctx, roleID); err != nil {
				return err
			}
		}
		return nil
	})
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return fmt.Sprintf("Role ID %d not found", roleID)
	case errors.Is(err, ErrSystemRole):
		return fmt.Sprintf("Cannot deactivate system role '%s'", protectedName)
	default:
		return fmt.Sprintf("Error updating role ID %d: %v", roleID, err)
	}
}

// DeleteRole soft-deletes a role: the record is deactivated and its user
// assignments cascade-deactivated. System roles cannot be deleted.
func (s *Service) DeleteRole(ctx context.Context, roleID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		if role.IsSystem {
			return ErrSystemRole
		}
		role.IsActive = false
		if _, err := tx.UpdateRole(ctx, role); err != nil {
			return err
		}
		_, err = tx.DeactivateUserRolesForRole(ctx, roleID)
		return err
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "role_delete", roleID, nil)
	return nil
}

// HardDeleteRole removes a role and its permission rows permanently. Only
// allowed for non-system roles without active assignments.
func (s *Service) HardDeleteRole(ctx context.Context, roleID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		if role.IsSystem {
			return ErrSystemRole
		}
		count, err := tx.ActiveAssignmentCount(ctx, roleID)
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrHasAssignments
		}
		if err := tx.DeleteRolePermissions(ctx, roleID); err != nil {
			return err
		}
		return tx.DeleteRole(ctx, roleID)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "role_hard_delete", roleID, nil)
	return nil
}

// AssignRolesToUser grants roles to one user identity. The first role in the
// batch becomes the primary assignment; re-granting an existing pair
// reactivates it. The whole batch is one transaction.
func (s *Service) AssignRolesToUser(ctx context.Context, userType UserType, userID int64, roleIDs []int64, reason string) ([]UserRoleAssignment, error) {
	if userType != UserTypeInternal && userType != UserTypeInstitutional {
		return nil, fmt.Errorf("security: invalid user type %q", userType)
	}
	if s.identity != nil {
		ok, err := s.identity.Exists(ctx, userType, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s %d", ErrNotFound, userType, userID)
		}
	}

	var out []UserRoleAssignment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for i, roleID := range roleIDs {
			role, err := tx.GetRole(ctx, roleID)
			if err != nil {
				return err
			}
			if !role.IsActive {
				return fmt.Errorf("%w: role '%s'", ErrRoleInactive, role.Name)
			}
			if role.MaxAssignments > 0 {
				count, err := tx.ActiveAssignmentCount(ctx, roleID)
				if err != nil {
					return err
				}
				if count >= role.MaxAssignments {
					return fmt.Errorf("%w: role '%s' allows %d", ErrAssignmentCap, role.Name, role.MaxAssignments)
				}
			}
			ur := UserRoleAssignment{
				UserID:         userID,
				RoleID:         roleID,
				UserType:       userType,
				IsActive:       true,
				IsPrimary:      i == 0,
				AssignedReason: reason,
			}
			ur, err = tx.UpsertUserRole(ctx, ur)
			if err != nil {
				return err
			}
			out = append(out, ur)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, "user_roles_assign", userID, map[string]any{"user_type": string(userType), "roles": len(out)})
	return out, nil
}

// RevokeRole deactivates one user-role assignment.
func (s *Service) RevokeRole(ctx context.Context, userType UserType, userID, roleID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeactivateUserRole(ctx, userID, roleID, userType)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "user_role_revoke", userID, map[string]any{"user_type": string(userType), "role_id": roleID})
	return nil
}

// ListUserRoles returns the active roles of one user identity ordered by
// level.
func (s *Service) ListUserRoles(ctx context.Context, userID int64, userType UserType) ([]Role, error) {
	return s.repo.ListUserRoles(ctx, userID, userType)
}

func (s *Service) recordAudit(ctx context.Context, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	log := shared.AuditLog{
		Action:   action,
		Entity:   "roles",
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
		At:       time.Now().UTC(),
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("record audit", slog.String("action", action), slog.Any("error", err))
	}
}

func applyRoleDefaults(input *RoleInput) {
	if input.Level == 0 {
		input.Level = 100
	}
	if input.RoleType == "" {
		input.RoleType = RoleTypeStandard
	}
	if input.SortOrder == 0 {
		input.SortOrder = 100
	}
}

func applyRoleUpdate(existing Role, changes RoleUpdate) Role {
	role := existing
	if changes.Name != nil {
		role.Name = *changes.Name
	}
	if changes.DisplayName != nil {
		role.DisplayName = *changes.DisplayName
	}
	if changes.Description != nil {
		role.Description = *changes.Description
	}
	if changes.Level != nil {
		role.Level = *changes.Level
	}
	if changes.RoleType != nil {
		role.RoleType = *changes.RoleType
	}
	if changes.TargetUserType != nil {
		role.TargetUserType = *changes.TargetUserType
	}
	if changes.IsActive != nil {
		role.IsActive = *changes.IsActive
	}
	if changes.Color != nil {
		role.Color = *changes.Color
	}
	if changes.Icon != nil {
		role.Icon = *changes.Icon
	}
	if changes.SortOrder != nil {
		role.SortOrder = *changes.SortOrder
	}
	if changes.MaxAssignments != nil {
		role.MaxAssignments = *changes.MaxAssignments
	}
	return role
}
