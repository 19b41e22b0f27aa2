package security

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("security: not found")
	// ErrDuplicate indicates a storage-level uniqueness violation, typically a
	// race that slipped past validation.
	ErrDuplicate = errors.New("security: duplicate entry")
	// ErrSystemRole indicates an operation forbidden on system roles.
	ErrSystemRole = errors.New("security: system role protected")
	// ErrHasAssignments indicates a role still carries active user assignments.
	ErrHasAssignments = errors.New("security: role has active assignments")
	// ErrRoleInactive indicates an attempt to assign a deactivated role.
	ErrRoleInactive = errors.New("security: role inactive")
	// ErrAssignmentCap indicates a role reached its max assignment count.
	ErrAssignmentCap = errors.New("security: assignment cap reached")
)

// RoleValidationError carries a blocking role mutation verdict.
type RoleValidationError struct {
	Verdict RoleValidation
}

func (e *RoleValidationError) Error() string {
	return "security: role validation failed: " + strings.Join(e.Verdict.Conflicts, ", ")
}

// PermissionValidationError carries a blocking permission assignment verdict.
type PermissionValidationError struct {
	Verdict PermissionValidation
}

func (e *PermissionValidationError) Error() string {
	issues := append(append([]string{}, e.Verdict.MissingPermissions...), e.Verdict.ConflictingPermissions...)
	return "security: permission validation failed: " + strings.Join(issues, ", ")
}
