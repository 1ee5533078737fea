package tokencodec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/qadash/pkg/identity"
)

// DefaultRenewalThreshold is the remaining lifetime below which a token should be renewed.
const DefaultRenewalThreshold = 300 * time.Second

// Sentinel errors exposed by the codec.
var (
	// ErrDecode indicates a malformed bearer token.
	ErrDecode = errors.New("token.codec.decode")
	// ErrEmptyToken indicates an empty token string.
	ErrEmptyToken = errors.New("token.codec.empty_token")
)

var (
	subjectClaimNames     = []string{"id", "userId", "user_id"}
	displayNameClaimNames = []string{"full_name", "name", "username"}
)

// Decoded holds the claims read from a bearer token payload. The signature is never
// checked; the values are only fit for client-side decisions.
type Decoded struct {
	SubjectID int64
	Email     string
	Role      string
	HasRole   bool
	FullName  string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// User returns the canonical identity carried by the token.
func (decoded *Decoded) User() identity.UserRecord {
	if decoded == nil {
		return identity.UserRecord{Role: identity.DefaultRole, FullName: identity.DisplayNameFromEmail("")}
	}
	return identity.UserRecord{
		ID:       decoded.SubjectID,
		Email:    decoded.Email,
		Role:     identity.NormalizeRole(decoded.Role),
		FullName: decoded.FullName,
	}.Normalized()
}

var unverifiedParser = jwt.NewParser(jwt.WithJSONNumber())

// Decode reads the payload segment of a bearer token.
func Decode(tokenString string) (*Decoded, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("token.codec.decode: %w: %w", ErrDecode, ErrEmptyToken)
	}
	claims := jwt.MapClaims{}
	if _, _, parseErr := unverifiedParser.ParseUnverified(tokenString, claims); parseErr != nil {
		return nil, fmt.Errorf("token.codec.decode: %w: %w", ErrDecode, parseErr)
	}
	expiresAt, expiryErr := claims.GetExpirationTime()
	if expiryErr != nil {
		return nil, fmt.Errorf("token.codec.decode.exp: %w: %w", ErrDecode, expiryErr)
	}
	issuedAt, issuedErr := claims.GetIssuedAt()
	if issuedErr != nil {
		return nil, fmt.Errorf("token.codec.decode.iat: %w: %w", ErrDecode, issuedErr)
	}

	decoded := &Decoded{}
	if expiresAt != nil {
		decoded.ExpiresAt = expiresAt.Time
	}
	if issuedAt != nil {
		decoded.IssuedAt = issuedAt.Time
	}
	for _, claimName := range subjectClaimNames {
		if subjectID, ok := integerClaim(claims[claimName]); ok {
			decoded.SubjectID = subjectID
			break
		}
	}
	decoded.Email = stringClaim(claims["email"])
	decoded.Role = stringClaim(claims["role"])
	decoded.HasRole = decoded.Role != ""
	for _, claimName := range displayNameClaimNames {
		if displayName := stringClaim(claims[claimName]); displayName != "" {
			decoded.FullName = displayName
			break
		}
	}
	if decoded.FullName == "" {
		decoded.FullName = identity.DisplayNameFromEmail(decoded.Email)
	}
	return decoded, nil
}

// IsExpired reports whether the token expiry is at or before now. Tokens without an
// expiry are treated as expired.
func IsExpired(decoded *Decoded, now time.Time) bool {
	if decoded == nil || decoded.ExpiresAt.IsZero() {
		return true
	}
	return decoded.ExpiresAt.Unix() <= now.Unix()
}

// IsNearExpiry reports whether less than threshold remains before expiry.
func IsNearExpiry(decoded *Decoded, now time.Time, threshold time.Duration) bool {
	if decoded == nil || decoded.ExpiresAt.IsZero() {
		return true
	}
	remainingSeconds := decoded.ExpiresAt.Unix() - now.Unix()
	return remainingSeconds < int64(threshold/time.Second)
}

func stringClaim(value interface{}) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return typed.String()
	default:
		return ""
	}
}

func integerClaim(value interface{}) (int64, bool) {
	switch typed := value.(type) {
	case json.Number:
		if integer, err := typed.Int64(); err == nil {
			return integer, true
		}
		if floating, err := typed.Float64(); err == nil {
			return int64(floating), true
		}
	case float64:
		return int64(typed), true
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return 0, false
		}
		if integer, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return integer, true
		}
	}
	return 0, false
}
