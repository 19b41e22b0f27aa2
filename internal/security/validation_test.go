package security

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRoleCreationDuplicateName(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRole(Role{Name: "editor", DisplayName: "Editor", Level: 300, IsActive: true})

	verdict, err := NewValidator(repo).ValidateRoleCreation(context.Background(), RoleInput{Name: "editor", Level: 400})
	require.NoError(t, err)
	require.False(t, verdict.IsValid)
	require.Contains(t, verdict.Conflicts, "Role name 'editor' already exists")
}

func TestValidateRoleCreationDuplicateNameIncludesInactive(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRole(Role{Name: "legacy", DisplayName: "Legacy", Level: 300, IsActive: false})

	verdict, err := NewValidator(repo).ValidateRoleCreation(context.Background(), RoleInput{Name: "legacy", Level: 400})
	require.NoError(t, err)
	require.False(t, verdict.IsValid)
	require.Contains(t, verdict.Conflicts, "Role name 'legacy' already exists")
}

func TestValidateRoleCreationLevelOccupied(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRole(Role{Name: "editor", DisplayName: "Editor", Level: 300, IsActive: true})

	verdict, err := NewValidator(repo).ValidateRoleCreation(context.Background(), RoleInput{Name: "reviewer", Level: 300})
	require.NoError(t, err)
	require.True(t, verdict.IsValid)
	require.Contains(t, verdict.Warnings, "Another role 'editor' exists at level 300")
}

func TestValidateRoleCreationLevelOccupiedByInactiveRoleIsFine(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRole(Role{Name: "editor", DisplayName: "Editor", Level: 300, IsActive: false})

	verdict, err := NewValidator(repo).ValidateRoleCreation(context.Background(), RoleInput{Name: "reviewer", Level: 300})
	require.NoError(t, err)
	require.Empty(t, verdict.Warnings)
}

func TestValidateRoleCreationInvalidPermissionIDs(t *testing.T) {
	repo := newMemoryRepo()
	active := repo.addPermission("content.view", "View Content", "content", true)
	inactive := repo.addPermission("content.purge", "Purge Content", "content", false)

	verdict, err := NewValidator(repo).ValidateRoleCreation(context.Background(), RoleInput{
		Name:          "reviewer",
		Level:         300,
		PermissionIDs: []int64{active.ID, inactive.ID, 999},
	})
	require.NoError(t, err)
	require.False(t, verdict.IsValid)
	require.Len(t, verdict.Conflicts, 1)
	require.Contains(t, verdict.Conflicts[0], "Invalid permission IDs:")
	require.Contains(t, verdict.Conflicts[0], "999")
	require.NotContains(t, verdict.Conflicts[0], "content.view")
}

func TestValidateRoleCreationLevelSuggestions(t *testing.T) {
	repo := newMemoryRepo()
	validator := NewValidator(repo)

	high, err := validator.ValidateRoleCreation(context.Background(), RoleInput{Name: "director", Level: 800})
	require.NoError(t, err)
	require.Contains(t, high.Suggestions, "High-level roles should include administrative permissions")

	low, err := validator.ValidateRoleCreation(context.Background(), RoleInput{Name: "guest", Level: 200})
	require.NoError(t, err)
	require.Contains(t, low.Suggestions, "Low-level roles should have limited permissions")

	mid, err := validator.ValidateRoleCreation(context.Background(), RoleInput{Name: "staff", Level: 400})
	require.NoError(t, err)
	require.Empty(t, mid.Suggestions)
}

func TestValidateRoleCreationTargetUserTypeSuggestions(t *testing.T) {
	repo := newMemoryRepo()
	repo.addPermission("dashboard.access", "Dashboard Access", "dashboard", true)
	create := repo.addPermission("content.create", "Create Content", "content", true)

	// projects.manage is absent from the catalog, so only dashboard.access
	// can be suggested once content.create is already requested.
	verdict, err := NewValidator(repo).ValidateRoleCreation(context.Background(), RoleInput{
		Name:           "staff",
		Level:          400,
		TargetUserType: UserTypeInternal,
		PermissionIDs:  []int64{create.ID},
	})
	require.NoError(t, err)
	require.True(t, verdict.IsValid)
	require.Equal(t, []string{"Consider adding 'Dashboard Access': Internal users should have dashboard access"}, verdict.Suggestions)
}

func TestValidateRoleCreationBothTargetUnionsSuggestions(t *testing.T) {
	repo := newMemoryRepo()
	repo.addPermission("dashboard.access", "Dashboard Access", "dashboard", true)
	repo.addPermission("profile.edit", "Edit Profile", "profile", true)

	// A "both" target draws hints from the internal and institutional sets;
	// only the catalogued ones survive, internal hints first.
	verdict, err := NewValidator(repo).ValidateRoleCreation(context.Background(), RoleInput{
		Name:           "campus",
		Level:          400,
		TargetUserType: UserTypeBoth,
	})
	require.NoError(t, err)
	require.True(t, verdict.IsValid)
	require.Equal(t, []string{
		"Consider adding 'Dashboard Access': Internal users should have dashboard access",
		"Consider adding 'Edit Profile': Users should be able to edit their profiles",
	}, verdict.Suggestions)
}

func TestValidateRoleUpdateSystemRoleTypeChange(t *testing.T) {
	repo := newMemoryRepo()
	role := repo.addRole(Role{Name: "root", DisplayName: "Root", Level: 900, RoleType: RoleTypeSystem, IsSystem: true, IsActive: true})

	custom := RoleTypeCustom
	verdict, err := NewValidator(repo).ValidateRoleUpdate(context.Background(), role, RoleUpdate{RoleType: &custom})
	require.NoError(t, err)
	require.False(t, verdict.IsValid)
	require.Contains(t, verdict.Conflicts, "Cannot change type of system role")
}

func TestValidateRoleUpdateRenameConflict(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRole(Role{Name: "editor", DisplayName: "Editor", Level: 300, IsActive: true})
	role := repo.addRole(Role{Name: "reviewer", DisplayName: "Reviewer", Level: 400, IsActive: true})

	name := "editor"
	verdict, err := NewValidator(repo).ValidateRoleUpdate(context.Background(), role, RoleUpdate{Name: &name})
	require.NoError(t, err)
	require.False(t, verdict.IsValid)
	require.Contains(t, verdict.Conflicts, "Role name 'editor' already exists")

	// Keeping the current name is not a conflict.
	same := "reviewer"
	verdict, err = NewValidator(repo).ValidateRoleUpdate(context.Background(), role, RoleUpdate{Name: &same})
	require.NoError(t, err)
	require.True(t, verdict.IsValid)
}

func TestValidateRoleUpdateAssignmentWarnings(t *testing.T) {
	repo := newMemoryRepo()
	role := repo.addRole(Role{Name: "editor", DisplayName: "Editor", Level: 300, IsActive: true})
	repo.addAssignment(1, role.ID, UserTypeInternal)
	repo.addAssignment(2, role.ID, UserTypeInternal)
	repo.addAssignment(3, role.ID, UserTypeInstitutional)

	level := 500
	verdict, err := NewValidator(repo).ValidateRoleUpdate(context.Background(), role, RoleUpdate{Level: &level})
	require.NoError(t, err)
	require.True(t, verdict.IsValid)
	require.Contains(t, verdict.Warnings, "Changing level will affect 3 user assignments")

	inactive := false
	verdict, err = NewValidator(repo).ValidateRoleUpdate(context.Background(), role, RoleUpdate{IsActive: &inactive})
	require.NoError(t, err)
	require.True(t, verdict.IsValid)
	require.Contains(t, verdict.Warnings, "Deactivating role will affect 3 active assignments")
}

func TestValidatePermissionAssignmentRoleMissing(t *testing.T) {
	repo := newMemoryRepo()

	verdict, err := NewValidator(repo).ValidatePermissionAssignment(context.Background(), 42, []int64{1})
	require.NoError(t, err)
	require.False(t, verdict.IsValid)
	require.Equal(t, []string{"Role not found"}, verdict.ConflictingPermissions)
	require.Empty(t, verdict.MissingPermissions)
}

func TestValidatePermissionAssignmentMissingAndInactive(t *testing.T) {
	repo := newMemoryRepo()
	role := repo.addRole(Role{Name: "editor", DisplayName: "Editor", Level: 300, IsActive: true})
	inactive := repo.addPermission("content.purge", "Purge Content", "content", false)
	active := repo.addPermission("content.view", "View Content", "content", true)

	verdict, err := NewValidator(repo).ValidatePermissionAssignment(context.Background(), role.ID, []int64{active.ID, inactive.ID, 77})
	require.NoError(t, err)
	require.False(t, verdict.IsValid)
	require.Contains(t, verdict.MissingPermissions, "Permission ID 77 not found")
	require.Contains(t, verdict.ConflictingPermissions, "Permission 'content.purge' is inactive")
}

func TestValidatePermissionAssignmentRecommendations(t *testing.T) {
	repo := newMemoryRepo()
	role := repo.addRole(Role{Name: "member", DisplayName: "Member", Level: 200, TargetUserType: UserTypeInstitutional, IsActive: true})
	view := repo.addPermission("content.view", "View Content", "content", true)
	repo.addPermission("profile.edit", "Edit Profile", "profile", true)

	verdict, err := NewValidator(repo).ValidatePermissionAssignment(context.Background(), role.ID, []int64{view.ID})
	require.NoError(t, err)
	require.True(t, verdict.IsValid)
	require.Equal(t, []string{"Consider adding 'Edit Profile': Users should be able to edit their profiles"}, verdict.RecommendedPermissions)
}
