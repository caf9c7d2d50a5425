package domain

import "strings"

// Role is the closed set of roles a principal may carry.
type Role string

const (
	RoleUnknown    Role = ""
	RoleParent     Role = "parent"
	RoleDenLeader  Role = "den-leader"
	RoleAdmin      Role = "admin"
	RoleRoot       Role = "root"
	RoleSuperAdmin Role = "super-admin"
)

// ParseRole maps a claim value onto the enumeration. Unrecognised values
// become RoleUnknown.
func ParseRole(s string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleParent, RoleDenLeader, RoleAdmin, RoleRoot, RoleSuperAdmin:
		return r
	}
	return RoleUnknown
}

// HasAdminPrivilege reports whether the role may read rosters.
func (r Role) HasAdminPrivilege() bool {
	switch r {
	case RoleAdmin, RoleRoot, RoleSuperAdmin:
		return true
	}
	return false
}

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Email  string
	Role   Role
	// LegacyAdmin carries the old boolean isAdmin flag still present on some accounts.
	LegacyAdmin bool
}

// HasAdminPrivilege is the single admin check used by every read path.
func (p Principal) HasAdminPrivilege() bool {
	return p.Role.HasAdminPrivilege() || p.LegacyAdmin
}
