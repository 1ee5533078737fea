package authclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/qadash/pkg/identity"
)

func TestParseGrantEnvelopes(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name            string
		payload         string
		expectedAccess  string
		expectedRefresh string
		expectedUserID  int64
	}{
		{name: "top-level token", payload: `{"token":"a1","refresh_token":"r1"}`, expectedAccess: "a1", expectedRefresh: "r1"},
		{name: "access_token", payload: `{"access_token":"a2","refreshToken":"r2"}`, expectedAccess: "a2", expectedRefresh: "r2"},
		{name: "nested data", payload: `{"data":{"token":"a3","refresh_token":"r3","user":{"id":"12","email":"x@example.com","role":"QA"}}}`, expectedAccess: "a3", expectedRefresh: "r3", expectedUserID: 12},
		{name: "bare string", payload: `"a4"`, expectedAccess: "a4"},
		{name: "top-level user", payload: `{"token":"a5","user":{"user_id":5,"email":"y@example.com"}}`, expectedAccess: "a5", expectedUserID: 5},
		{name: "blank token skipped", payload: `{"token":"  ","data":{"token":"a6"}}`, expectedAccess: "a6"},
		{name: "invalid json", payload: `{"token":`, expectedAccess: ""},
		{name: "numeric token ignored", payload: `{"token":42}`, expectedAccess: ""},
	}
	for _, testCase := range testCases {
		grant := parseGrant([]byte(testCase.payload))
		if grant.AccessToken != testCase.expectedAccess || grant.RefreshToken != testCase.expectedRefresh {
			t.Fatalf("%s: unexpected grant %#v", testCase.name, grant)
		}
		if testCase.expectedUserID == 0 {
			continue
		}
		if grant.User == nil || grant.User.ID != testCase.expectedUserID {
			t.Fatalf("%s: expected user %d, got %#v", testCase.name, testCase.expectedUserID, grant.User)
		}
	}
}

func TestParseGrantNormalizesUser(t *testing.T) {
	t.Parallel()

	grant := parseGrant([]byte(`{"token":"a","data":{"user":{"id":3,"email":"analyst@example.com","role":" Tester "}}}`))
	if grant.User == nil {
		t.Fatalf("expected user")
	}
	expected := identity.UserRecord{ID: 3, Email: "analyst@example.com", Role: identity.RoleAnalyst, FullName: "analyst"}
	if *grant.User != expected {
		t.Fatalf("expected %#v, got %#v", expected, *grant.User)
	}
}

func TestHTTPAuthAPIClassifiesFailures(t *testing.T) {
	t.Parallel()

	router := gin.New()
	status := map[string]int{
		"/api/auth/login":   http.StatusServiceUnavailable,
		"/api/auth/refresh": http.StatusInternalServerError,
	}
	for path, code := range status {
		code := code
		router.POST(path, func(contextGin *gin.Context) {
			contextGin.JSON(code, gin.H{"message": "unavailable"})
		})
	}
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	api := NewHTTPAuthAPI(server.URL+"/api", server.Client(), AuthPaths{})

	if _, err := api.Login(context.Background(), "a@example.com", "pw"); !errors.Is(err, ErrTransientNetwork) || errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected transient login failure, got %v", err)
	}
	if _, err := api.Refresh(context.Background(), RefreshRequest{RefreshToken: "r"}); !errors.Is(err, ErrTransientNetwork) || errors.Is(err, ErrRefreshRejected) {
		t.Fatalf("expected transient refresh failure, got %v", err)
	}
	if err := api.Logout(context.Background(), "token"); err == nil {
		t.Fatalf("expected logout to report the missing route")
	}

	server.Close()
	if _, err := api.Login(context.Background(), "a@example.com", "pw"); !errors.Is(err, ErrTransientNetwork) {
		t.Fatalf("expected transient failure for unreachable server, got %v", err)
	}
}

func TestHTTPAuthAPILoginWithoutToken(t *testing.T) {
	t.Parallel()

	router := gin.New()
	router.POST("/api/auth/login", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"message": "welcome"})
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	api := NewHTTPAuthAPI(server.URL+"/api", server.Client(), AuthPaths{})
	if _, err := api.Login(context.Background(), "a@example.com", "pw"); !errors.Is(err, ErrInvalidLoginPayload) {
		t.Fatalf("expected ErrInvalidLoginPayload, got %v", err)
	}
}
