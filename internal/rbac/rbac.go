package rbac

type Role string
type Action string

const (
	RoleViewer      Role = "viewer"
	RoleContributor Role = "contributor"
	RoleCurator     Role = "curator"
	RoleAdmin       Role = "admin"
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionCurate Action = "curate"
	ActionAdmin  Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleCurator:
		return action == ActionRead || action == ActionWrite || action == ActionCurate
	case RoleContributor:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleContributor, RoleCurator, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// CanEditLocked reports whether a role may change the identity fields of a
// locked name. Everyone else's edits to those fields are silently ignored.
func CanEditLocked(role Role) bool {
	return role == RoleAdmin
}

// CanDestroyInMerge reports whether a role, with admin mode switched on,
// may merge away a name that has dependents. Without admin mode even
// admins go through the request flow.
func CanDestroyInMerge(role Role, adminMode bool) bool {
	return role == RoleAdmin && adminMode
}
