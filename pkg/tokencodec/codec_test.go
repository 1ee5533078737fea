package tokencodec

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/qadash/pkg/identity"
)

func mintToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("server-only-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestDecodeReadsClaims(t *testing.T) {
	t.Parallel()

	issuedAt := time.Unix(1700000000, 0).UTC()
	tokenValue := mintToken(t, jwt.MapClaims{
		"id":        42,
		"email":     "ana@example.com",
		"role":      "qa",
		"full_name": "Ana Tester",
		"iat":       issuedAt.Unix(),
		"exp":       issuedAt.Add(time.Hour).Unix(),
	})

	decoded, err := Decode(tokenValue)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.SubjectID != 42 || decoded.Email != "ana@example.com" || !decoded.HasRole {
		t.Fatalf("unexpected decoded claims: %#v", decoded)
	}
	if !decoded.IssuedAt.Equal(issuedAt) || !decoded.ExpiresAt.Equal(issuedAt.Add(time.Hour)) {
		t.Fatalf("unexpected timestamps: %v %v", decoded.IssuedAt, decoded.ExpiresAt)
	}
	user := decoded.User()
	if user.Role != identity.RoleAnalyst {
		t.Fatalf("expected analyst role for qa claim, got %q", user.Role)
	}
	if user.FullName != "Ana Tester" {
		t.Fatalf("unexpected full name %q", user.FullName)
	}
}

func TestDecodeClaimNormalizationPriority(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name            string
		claims          jwt.MapClaims
		expectedID      int64
		expectedName    string
		expectedRole    identity.Role
		expectedHasRole bool
	}{
		{
			name:         "id wins over userId",
			claims:       jwt.MapClaims{"id": 1, "userId": 2, "user_id": 3, "email": "a@example.com", "exp": 1900000000},
			expectedID:   1,
			expectedName: "a",
			expectedRole: identity.RoleViewer,
		},
		{
			name:            "userId when id absent",
			claims:          jwt.MapClaims{"userId": 2, "user_id": 3, "name": "Named", "role": "Administrator", "exp": 1900000000},
			expectedID:      2,
			expectedName:    "Named",
			expectedRole:    identity.RoleAdmin,
			expectedHasRole: true,
		},
		{
			name:            "user_id as numeric string",
			claims:          jwt.MapClaims{"user_id": "7", "username": "handle", "full_name": "", "role": "stakeholder", "exp": 1900000000},
			expectedID:      7,
			expectedName:    "handle",
			expectedRole:    identity.RoleViewer,
			expectedHasRole: true,
		},
		{
			name:            "unknown role falls back to viewer",
			claims:          jwt.MapClaims{"email": "x@example.com", "role": "superuser", "exp": 1900000000},
			expectedID:      0,
			expectedName:    "x",
			expectedRole:    identity.RoleViewer,
			expectedHasRole: true,
		},
		{
			name:         "no email and no name",
			claims:       jwt.MapClaims{"exp": 1900000000},
			expectedName: "User",
			expectedRole: identity.RoleViewer,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			decoded, err := Decode(mintToken(t, testCase.claims))
			if err != nil {
				t.Fatalf("unexpected decode error: %v", err)
			}
			user := decoded.User()
			if user.ID != testCase.expectedID {
				t.Fatalf("expected id %d, got %d", testCase.expectedID, user.ID)
			}
			if user.FullName != testCase.expectedName {
				t.Fatalf("expected name %q, got %q", testCase.expectedName, user.FullName)
			}
			if user.Role != testCase.expectedRole {
				t.Fatalf("expected role %q, got %q", testCase.expectedRole, user.Role)
			}
			if decoded.HasRole != testCase.expectedHasRole {
				t.Fatalf("expected HasRole %v, got %v", testCase.expectedHasRole, decoded.HasRole)
			}
		})
	}
}

func TestDecodeRejectsMalformedTokens(t *testing.T) {
	t.Parallel()

	encode := func(value string) string {
		return base64.RawURLEncoding.EncodeToString([]byte(value))
	}
	header := encode(`{"alg":"HS256","typ":"JWT"}`)

	malformed := map[string]string{
		"empty":              "",
		"single segment":     "abc",
		"two segments":       header + "." + encode(`{"exp":1}`),
		"four segments":      header + ".a.b.c",
		"invalid base64":     header + ".!!!.sig",
		"invalid json":       header + "." + encode(`{"exp":`) + ".sig",
		"payload not object": header + "." + encode(`[1,2,3]`) + ".sig",
		"bad header":         encode(`not-json`) + "." + encode(`{"exp":1}`) + ".sig",
		"bad exp type":       header + "." + encode(`{"exp":"soon"}`) + ".sig",
	}

	for name, tokenValue := range malformed {
		name, tokenValue := name, tokenValue
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			decoded, err := Decode(tokenValue)
			if err == nil {
				t.Fatalf("expected decode error, got %#v", decoded)
			}
			if !errors.Is(err, ErrDecode) {
				t.Fatalf("expected ErrDecode, got %v", err)
			}
		})
	}
}

func TestIsExpired(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	testCases := []struct {
		name     string
		expires  time.Time
		expected bool
	}{
		{name: "future", expires: now.Add(time.Second), expected: false},
		{name: "exactly now", expires: now, expected: true},
		{name: "past", expires: now.Add(-time.Minute), expected: true},
		{name: "missing", expires: time.Time{}, expected: true},
	}
	for _, testCase := range testCases {
		if got := IsExpired(&Decoded{ExpiresAt: testCase.expires}, now); got != testCase.expected {
			t.Fatalf("%s: expected %v, got %v", testCase.name, testCase.expected, got)
		}
	}
	if !IsExpired(nil, now) {
		t.Fatalf("expected nil token to count as expired")
	}
}

func TestIsNearExpiryThresholds(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	decoded := &Decoded{ExpiresAt: now.Add(200 * time.Second)}

	if !IsNearExpiry(decoded, now, 300*time.Second) {
		t.Fatalf("expected near expiry with 300s threshold")
	}
	if IsNearExpiry(decoded, now, 60*time.Second) {
		t.Fatalf("expected not near expiry with 60s threshold")
	}
	if IsNearExpiry(decoded, now, 200*time.Second) {
		t.Fatalf("expected remaining time equal to threshold to not be near expiry")
	}
	if !IsNearExpiry(&Decoded{ExpiresAt: now.Add(-time.Second)}, now, DefaultRenewalThreshold) {
		t.Fatalf("expected expired token to be near expiry")
	}
}
