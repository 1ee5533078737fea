package identity

import (
	"strings"
)

const (
	// LoginPath is where unauthenticated visitors are sent.
	LoginPath = "/login"
	// DefaultPath is the safe landing view for authenticated users lacking a role.
	DefaultPath = "/dashboard"
)

// IsAllowed reports whether the user holds one of the required roles.
func IsAllowed(user *UserRecord, requiredRoles ...Role) bool {
	if user == nil {
		return false
	}
	for _, requiredRole := range requiredRoles {
		if user.Role == requiredRole {
			return true
		}
	}
	return false
}

// RouteRule restricts a path pattern to a set of roles. A rule without roles only
// requires an authenticated user.
type RouteRule struct {
	Method  string
	Pattern string
	Roles   []Role
}

// Decision is the outcome of a navigation check.
type Decision struct {
	Allowed  bool
	Redirect string
}

// Gate resolves navigation decisions from an ordered rule table. The first matching
// rule wins.
type Gate struct {
	rules []RouteRule
}

// NewGate constructs a Gate over the supplied rules.
func NewGate(rules []RouteRule) *Gate {
	cloned := make([]RouteRule, len(rules))
	copy(cloned, rules)
	return &Gate{rules: cloned}
}

// Check decides whether the user may reach the path. Unauthenticated users are sent
// to the login view and users with the wrong role to the dashboard.
func (gate *Gate) Check(user *UserRecord, method string, path string) Decision {
	if user == nil {
		return Decision{Allowed: false, Redirect: LoginPath}
	}
	for _, rule := range gate.rules {
		if !rule.matches(method, path) {
			continue
		}
		if len(rule.Roles) == 0 || IsAllowed(user, rule.Roles...) {
			return Decision{Allowed: true}
		}
		return Decision{Allowed: false, Redirect: DefaultPath}
	}
	return Decision{Allowed: true}
}

func (rule RouteRule) matches(method string, path string) bool {
	if rule.Method != "" && !strings.EqualFold(rule.Method, method) {
		return false
	}
	return matchPattern(rule.Pattern, path)
}

// matchPattern supports ":param" segments and a trailing "*" that matches any
// suffix, including none.
func matchPattern(pattern string, path string) bool {
	patternSegments := splitPath(pattern)
	pathSegments := splitPath(path)
	for index, segment := range patternSegments {
		if segment == "*" {
			return true
		}
		if index >= len(pathSegments) {
			return false
		}
		if strings.HasPrefix(segment, ":") {
			continue
		}
		if segment != pathSegments[index] {
			return false
		}
	}
	return len(patternSegments) == len(pathSegments)
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// DashboardRoutes mirrors the role table of the dashboard's views and the API
// endpoints that back them.
func DashboardRoutes() []RouteRule {
	editors := []Role{RoleAdmin, RoleAnalyst}
	admins := []Role{RoleAdmin}
	return []RouteRule{
		{Pattern: "/projects/create", Roles: editors},
		{Pattern: "/projects/:id/edit", Roles: editors},
		{Method: "POST", Pattern: "/projects", Roles: editors},
		{Method: "PATCH", Pattern: "/projects/:id", Roles: editors},
		{Method: "DELETE", Pattern: "/projects/:id", Roles: editors},
		{Pattern: "/users/profile", Roles: nil},
		{Pattern: "/users/*", Roles: admins},
		{Pattern: "/auth/register", Roles: admins},
		{Pattern: "/configuration/*", Roles: admins},
	}
}
