package security

// permissionHint pairs a recommended permission name with its rationale.
// This is policy data, kept apart from the engine logic so the rules can be
// tested independently of the content.
type permissionHint struct {
	Name      string
	Rationale string
}

var internalUserHints = []permissionHint{
	{Name: "dashboard.access", Rationale: "Internal users should have dashboard access"},
	{Name: "content.create", Rationale: "Internal users typically create content"},
	{Name: "projects.manage", Rationale: "Internal users manage projects"},
}

var institutionalUserHints = []permissionHint{
	{Name: "projects.request", Rationale: "Institutional users can request projects"},
	{Name: "content.view", Rationale: "Institutional users can view content"},
	{Name: "profile.edit", Rationale: "Users should be able to edit their profiles"},
}

// hintsForUserType returns the suggestion set for a role target. The "both"
// target is the union of the two concrete sets.
func hintsForUserType(target UserType) []permissionHint {
	switch target {
	case UserTypeInternal:
		return internalUserHints
	case UserTypeInstitutional:
		return institutionalUserHints
	case UserTypeBoth:
		return append(append([]permissionHint{}, internalUserHints...), institutionalUserHints...)
	default:
		return nil
	}
}

// Level thresholds driving the fixed advisory messages on role creation.
const (
	highLevelThreshold = 800
	lowLevelThreshold  = 200
)
