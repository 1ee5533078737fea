package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxEnvelopeBytes = 1 << 20

// RefreshRequest carries the credentials presented to the refresh endpoint. When
// RefreshToken is empty the access token is re-presented as a Bearer credential.
type RefreshRequest struct {
	RefreshToken string
	AccessToken  string
}

// AuthAPI is the subset of the REST API the credential lifecycle depends on.
type AuthAPI interface {
	Login(ctx context.Context, email string, password string) (Grant, error)
	Refresh(ctx context.Context, request RefreshRequest) (Grant, error)
	Logout(ctx context.Context, accessToken string) error
}

// AuthPaths locates the auth endpoints relative to the API base URL.
type AuthPaths struct {
	Login   string
	Refresh string
	Logout  string
}

// DefaultAuthPaths are the endpoints served by the dashboard API.
var DefaultAuthPaths = AuthPaths{
	Login:   "/auth/login",
	Refresh: "/auth/refresh",
	Logout:  "/auth/logout",
}

// HTTPAuthAPI calls the auth endpoints over HTTP. It never goes through the
// interceptor pipeline.
type HTTPAuthAPI struct {
	baseURL    string
	httpClient *http.Client
	paths      AuthPaths
}

// NewHTTPAuthAPI constructs an AuthAPI for the base URL. A nil client gets a 30 second timeout.
func NewHTTPAuthAPI(baseURL string, httpClient *http.Client, paths AuthPaths) *HTTPAuthAPI {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if paths.Login == "" {
		paths.Login = DefaultAuthPaths.Login
	}
	if paths.Refresh == "" {
		paths.Refresh = DefaultAuthPaths.Refresh
	}
	if paths.Logout == "" {
		paths.Logout = DefaultAuthPaths.Logout
	}
	return &HTTPAuthAPI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		paths:      paths,
	}
}

// Login exchanges credentials for a grant.
func (api *HTTPAuthAPI) Login(ctx context.Context, email string, password string) (Grant, error) {
	statusCode, payload, err := api.post(ctx, api.paths.Login, map[string]string{
		"email":    email,
		"password": password,
	}, "")
	if err != nil {
		return Grant{}, fmt.Errorf("authclient.login: %w: %w", ErrTransientNetwork, err)
	}
	if statusCode >= http.StatusInternalServerError {
		return Grant{}, fmt.Errorf("authclient.login: %w: %w", ErrTransientNetwork, newResponseError("login", statusCode, payload))
	}
	if statusCode >= http.StatusBadRequest {
		return Grant{}, fmt.Errorf("authclient.login: %w: %w", ErrAuthenticationFailed, newResponseError("login", statusCode, payload))
	}
	grant := parseGrant(payload)
	if grant.AccessToken == "" {
		return Grant{}, fmt.Errorf("authclient.login: %w", ErrInvalidLoginPayload)
	}
	return grant, nil
}

// Refresh mints a new access token.
func (api *HTTPAuthAPI) Refresh(ctx context.Context, request RefreshRequest) (Grant, error) {
	body := map[string]string{}
	bearer := ""
	if request.RefreshToken != "" {
		body["refreshToken"] = request.RefreshToken
	} else {
		bearer = request.AccessToken
	}
	statusCode, payload, err := api.post(ctx, api.paths.Refresh, body, bearer)
	if err != nil {
		return Grant{}, fmt.Errorf("authclient.refresh: %w: %w", ErrTransientNetwork, err)
	}
	if statusCode == http.StatusUnauthorized {
		return Grant{}, fmt.Errorf("authclient.refresh: %w: %w", ErrRefreshRejected, newResponseError("refresh", statusCode, payload))
	}
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return Grant{}, fmt.Errorf("authclient.refresh: %w: %w", ErrTransientNetwork, newResponseError("refresh", statusCode, payload))
	}
	grant := parseGrant(payload)
	if grant.AccessToken == "" {
		return Grant{}, fmt.Errorf("authclient.refresh: %w: response carried no access token", ErrRefreshRejected)
	}
	return grant, nil
}

// Logout notifies the server. The response body is ignored.
func (api *HTTPAuthAPI) Logout(ctx context.Context, accessToken string) error {
	statusCode, payload, err := api.post(ctx, api.paths.Logout, nil, accessToken)
	if err != nil {
		return fmt.Errorf("authclient.logout: %w: %w", ErrTransientNetwork, err)
	}
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("authclient.logout: %w", newResponseError("logout", statusCode, payload))
	}
	return nil
}

func (api *HTTPAuthAPI) post(ctx context.Context, path string, body interface{}, bearer string) (int, []byte, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, encodeErr := json.Marshal(body)
		if encodeErr != nil {
			return 0, nil, encodeErr
		}
		reader = bytes.NewReader(encoded)
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, api.baseURL+path, reader)
	if requestErr != nil {
		return 0, nil, requestErr
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	response, doErr := api.httpClient.Do(request)
	if doErr != nil {
		return 0, nil, doErr
	}
	defer func() { _ = response.Body.Close() }()
	payload, readErr := io.ReadAll(io.LimitReader(response.Body, maxEnvelopeBytes))
	if readErr != nil && !errors.Is(readErr, io.EOF) {
		return 0, nil, readErr
	}
	return response.StatusCode, payload, nil
}

func newResponseError(operation string, statusCode int, payload []byte) *ResponseError {
	return &ResponseError{
		Operation:  operation,
		StatusCode: statusCode,
		Message:    parseMessage(payload),
	}
}
