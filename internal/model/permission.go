package model

// Permission represents a string code for a specific system action.
type Permission string

const (
	// PermissionAttemptsRead allows viewing attempt security reports, timelines and review queues.
	PermissionAttemptsRead Permission = "attempts:read"

	// PermissionAttemptsWrite allows force-submitting attempts.
	PermissionAttemptsWrite Permission = "attempts:write"

	// PermissionExamsMonitor allows attaching to an exam's live monitor.
	PermissionExamsMonitor Permission = "exams:monitor"
)

// AllPermissions is a slice of all available permissions.
var AllPermissions = []Permission{
	PermissionAttemptsRead,
	PermissionAttemptsWrite,
	PermissionExamsMonitor,
}

// PermissionCodes returns the permissions as plain strings, as embedded in tokens.
func PermissionCodes(perms ...Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}
