package authclient

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tyemirov/qadash/pkg/identity"
)

var (
	accessTokenPaths  = []string{"token", "access_token", "accessToken", "data.token", "data.access_token", "data.accessToken"}
	refreshTokenPaths = []string{"refresh_token", "refreshToken", "data.refresh_token", "data.refreshToken"}
	userObjectPaths   = []string{"data.user", "user"}
	userIDPaths       = []string{"id", "userId", "user_id"}
	userNamePaths     = []string{"full_name", "name", "username"}
	messagePaths      = []string{"message", "error", "data.message"}
)

// Grant is the credential set returned by a login or refresh call.
type Grant struct {
	AccessToken  string
	RefreshToken string
	User         *identity.UserRecord
}

// parseGrant extracts tokens and the optional user object from the many envelope
// shapes the API has used. A bare JSON string body is taken as the access token.
func parseGrant(payload []byte) Grant {
	if !gjson.ValidBytes(payload) {
		return Grant{}
	}
	root := gjson.ParseBytes(payload)
	if root.Type == gjson.String {
		return Grant{AccessToken: strings.TrimSpace(root.Str)}
	}
	grant := Grant{
		AccessToken:  firstString(root, accessTokenPaths),
		RefreshToken: firstString(root, refreshTokenPaths),
	}
	for _, path := range userObjectPaths {
		if userObject := root.Get(path); userObject.IsObject() {
			grant.User = parseUser(userObject)
			break
		}
	}
	return grant
}

func parseUser(userObject gjson.Result) *identity.UserRecord {
	user := identity.UserRecord{
		Email: strings.TrimSpace(userObject.Get("email").String()),
		Role:  identity.NormalizeRole(userObject.Get("role").String()),
	}
	for _, path := range userIDPaths {
		value := userObject.Get(path)
		if value.Type == gjson.Number || (value.Type == gjson.String && strings.TrimSpace(value.Str) != "") {
			user.ID = value.Int()
			break
		}
	}
	user.FullName = firstString(userObject, userNamePaths)
	normalized := user.Normalized()
	return &normalized
}

// ParseProfile returns the user object carried by a profile or user-update response,
// or nil when the body has none.
func ParseProfile(payload []byte) *identity.UserRecord {
	if !gjson.ValidBytes(payload) {
		return nil
	}
	root := gjson.ParseBytes(payload)
	for _, path := range userObjectPaths {
		if userObject := root.Get(path); userObject.IsObject() {
			return parseUser(userObject)
		}
	}
	return nil
}

// parseMessage returns the human-readable error message of an error envelope.
func parseMessage(payload []byte) string {
	if !gjson.ValidBytes(payload) {
		return ""
	}
	root := gjson.ParseBytes(payload)
	if root.Type == gjson.String {
		return strings.TrimSpace(root.Str)
	}
	return firstString(root, messagePaths)
}

func firstString(root gjson.Result, paths []string) string {
	for _, path := range paths {
		value := root.Get(path)
		if value.Type != gjson.String {
			continue
		}
		if trimmed := strings.TrimSpace(value.Str); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
