package identity

import (
	"strings"
)

// Role is one of the three dashboard roles.
type Role string

const (
	// RoleAdmin manages users and configuration.
	RoleAdmin Role = "admin"
	// RoleAnalyst creates and edits projects.
	RoleAnalyst Role = "analyst"
	// RoleViewer has read-only access.
	RoleViewer Role = "viewer"
)

// DefaultRole is assigned to any role value the dashboard does not recognize.
const DefaultRole = RoleViewer

var roleAliases = map[string]Role{
	"admin":         RoleAdmin,
	"administrator": RoleAdmin,
	"analyst":       RoleAnalyst,
	"qa":            RoleAnalyst,
	"tester":        RoleAnalyst,
	"viewer":        RoleViewer,
	"stakeholder":   RoleViewer,
	"user":          RoleViewer,
}

// NormalizeRole maps a server-side role name onto a dashboard role.
// Unknown and empty values resolve to DefaultRole.
func NormalizeRole(rawRole string) Role {
	if role, ok := roleAliases[strings.ToLower(strings.TrimSpace(rawRole))]; ok {
		return role
	}
	return DefaultRole
}

// Valid reports whether the role is one of the canonical roles.
func (role Role) Valid() bool {
	switch role {
	case RoleAdmin, RoleAnalyst, RoleViewer:
		return true
	default:
		return false
	}
}

// UserRecord is the canonical identity of the signed-in user.
type UserRecord struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`
	FullName string `json:"full_name"`
}

// Normalized returns a copy with a canonical role and a non-empty display name.
func (user UserRecord) Normalized() UserRecord {
	user.Email = strings.TrimSpace(user.Email)
	user.Role = NormalizeRole(string(user.Role))
	if strings.TrimSpace(user.FullName) == "" {
		user.FullName = DisplayNameFromEmail(user.Email)
	}
	return user
}

// DisplayNameFromEmail returns the local part of an email, or "User" when there is none.
func DisplayNameFromEmail(email string) string {
	localPart, _, _ := strings.Cut(strings.TrimSpace(email), "@")
	if localPart == "" {
		return "User"
	}
	return localPart
}
