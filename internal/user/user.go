// Package user provides user identity and privilege lookup.
package user

import "strings"

// Role represents a user's access level
type Role string

const (
	RoleOwner Role = "owner" // operator, unlimited
	RolePro   Role = "pro"   // paying user, unlimited
	RoleUser  Role = "user"  // free tier, quota applies
)

// User is a known caller, keyed by the userKey sent with each request (usually an email).
type User struct {
	ID   string
	Name string
	Role Role
}

// IsOwner returns true if the user has owner role
func (u *User) IsOwner() bool {
	return u != nil && u.Role == RoleOwner
}

// IsPrivileged reports whether quota limits are waived for the user.
func (u *User) IsPrivileged() bool {
	return u != nil && (u.Role == RoleOwner || u.Role == RolePro)
}

// NormalizeID folds a user key for lookup.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// ParseRole maps a config string to a Role. Unknown values become RoleUser.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleOwner:
		return RoleOwner
	case RolePro:
		return RolePro
	default:
		return RoleUser
	}
}
