package security

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Validator evaluates mutation rules against a graph snapshot. It owns no
// state and performs no writes; a verdict never blocks on anything but the
// snapshot reads it issues.
type Validator struct {
	snap Snapshot
}

// NewValidator builds a Validator over the given snapshot.
func NewValidator(snap Snapshot) *Validator {
	return &Validator{snap: snap}
}

// ValidateRoleCreation checks a candidate role before it is persisted.
// Conflicts block the creation; warnings and suggestions never do.
func (v *Validator) ValidateRoleCreation(ctx context.Context, input RoleInput) (RoleValidation, error) {
	var verdict RoleValidation

	if _, err := v.snap.GetRoleByName(ctx, input.Name); err == nil {
		verdict.Conflicts = append(verdict.Conflicts, fmt.Sprintf("Role name '%s' already exists", input.Name))
	} else if !errors.Is(err, ErrNotFound) {
		return RoleValidation{}, err
	}

	occupant, found, err := v.snap.FindActiveRoleAtLevel(ctx, input.Level, 0)
	if err != nil {
		return RoleValidation{}, err
	}
	if found {
		verdict.Warnings = append(verdict.Warnings, fmt.Sprintf("Another role '%s' exists at level %d", occupant.Name, input.Level))
	}

	if len(input.PermissionIDs) > 0 {
		var invalid []string
		for _, id := range input.PermissionIDs {
			perm, err := v.snap.GetPermission(ctx, id)
			if errors.Is(err, ErrNotFound) {
				invalid = append(invalid, strconv.FormatInt(id, 10))
				continue
			}
			if err != nil {
				return RoleValidation{}, err
			}
			if !perm.IsActive {
				invalid = append(invalid, strconv.FormatInt(id, 10))
			}
		}
		if len(invalid) > 0 {
			verdict.Conflicts = append(verdict.Conflicts, "Invalid permission IDs: "+strings.Join(invalid, ", "))
		}
	}

	if input.TargetUserType != "" && len(input.PermissionIDs) > 0 {
		hints, err := v.suggestionsForUserType(ctx, input.TargetUserType, input.PermissionIDs)
		if err != nil {
			return RoleValidation{}, err
		}
		verdict.Suggestions = append(verdict.Suggestions, hints...)
	}

	if input.Level >= highLevelThreshold {
		verdict.Suggestions = append(verdict.Suggestions, "High-level roles should include administrative permissions")
	} else if input.Level <= lowLevelThreshold {
		verdict.Suggestions = append(verdict.Suggestions, "Low-level roles should have limited permissions")
	}

	verdict.IsValid = len(verdict.Conflicts) == 0
	return verdict, nil
}

// ValidateRoleUpdate checks partial changes against the stored role.
func (v *Validator) ValidateRoleUpdate(ctx context.Context, existing Role, changes RoleUpdate) (RoleValidation, error) {
	var verdict RoleValidation

	if changes.Name != nil && *changes.Name != existing.Name {
		other, err := v.snap.GetRoleByName(ctx, *changes.Name)
		switch {
		case err == nil && other.ID != existing.ID:
			verdict.Conflicts = append(verdict.Conflicts, fmt.Sprintf("Role name '%s' already exists", *changes.Name))
		case err != nil && !errors.Is(err, ErrNotFound):
			return RoleValidation{}, err
		}
	}

	if existing.IsSystem && changes.RoleType != nil && *changes.RoleType != RoleTypeSystem {
		verdict.Conflicts = append(verdict.Conflicts, "Cannot change type of system role")
	}

	if changes.Level != nil && *changes.Level != existing.Level {
		count, err := v.snap.ActiveAssignmentCount(ctx, existing.ID)
		if err != nil {
			return RoleValidation{}, err
		}
		if count > 0 {
			verdict.Warnings = append(verdict.Warnings, fmt.Sprintf("Changing level will affect %d user assignments", count))
		}
	}

	if changes.IsActive != nil && !*changes.IsActive && existing.IsActive {
		count, err := v.snap.ActiveAssignmentCount(ctx, existing.ID)
		if err != nil {
			return RoleValidation{}, err
		}
		if count > 0 {
			verdict.Warnings = append(verdict.Warnings, fmt.Sprintf("Deactivating role will affect %d active assignments", count))
		}
	}

	verdict.IsValid = len(verdict.Conflicts) == 0
	return verdict, nil
}

// ValidatePermissionAssignment checks a proposed permission set for a role.
// A missing role short-circuits with a single conflicting entry.
func (v *Validator) ValidatePermissionAssignment(ctx context.Context, roleID int64, permissionIDs []int64) (PermissionValidation, error) {
	role, err := v.snap.GetRole(ctx, roleID)
	if errors.Is(err, ErrNotFound) {
		return PermissionValidation{
			IsValid:                false,
			ConflictingPermissions: []string{"Role not found"},
		}, nil
	}
	if err != nil {
		return PermissionValidation{}, err
	}

	var verdict PermissionValidation
	for _, id := range permissionIDs {
		perm, err := v.snap.GetPermission(ctx, id)
		if errors.Is(err, ErrNotFound) {
			verdict.MissingPermissions = append(verdict.MissingPermissions, fmt.Sprintf("Permission ID %d not found", id))
			continue
		}
		if err != nil {
			return PermissionValidation{}, err
		}
		if !perm.IsActive {
			verdict.ConflictingPermissions = append(verdict.ConflictingPermissions, fmt.Sprintf("Permission '%s' is inactive", perm.Name))
		}
	}

	if role.TargetUserType != "" {
		hints, err := v.suggestionsForUserType(ctx, role.TargetUserType, permissionIDs)
		if err != nil {
			return PermissionValidation{}, err
		}
		verdict.RecommendedPermissions = append(verdict.RecommendedPermissions, hints...)
	}

	verdict.IsValid = len(verdict.MissingPermissions) == 0 && len(verdict.ConflictingPermissions) == 0
	return verdict, nil
}

// suggestionsForUserType compares the proposed permission set against the
// static hint table for the target user type. Hints naming permissions that
// do not exist, or exist but are inactive, are silently skipped.
func (v *Validator) suggestionsForUserType(ctx context.Context, target UserType, permissionIDs []int64) ([]string, error) {
	current := make(map[string]struct{}, len(permissionIDs))
	for _, id := range permissionIDs {
		perm, err := v.snap.GetPermission(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		current[perm.Name] = struct{}{}
	}

	var out []string
	for _, hint := range hintsForUserType(target) {
		if _, ok := current[hint.Name]; ok {
			continue
		}
		perm, err := v.snap.GetPermissionByName(ctx, hint.Name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !perm.IsActive {
			continue
		}
		out = append(out, fmt.Sprintf("Consider adding '%s': %s", perm.DisplayName, hint.Rationale))
	}
	return out, nil
}
