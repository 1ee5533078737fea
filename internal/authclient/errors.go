package authclient

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationFailed indicates the server rejected the login credentials.
	ErrAuthenticationFailed = errors.New("authclient.authentication_failed")
	// ErrRefreshRejected indicates the server rejected the refresh credential.
	ErrRefreshRejected = errors.New("authclient.refresh_rejected")
	// ErrTransientNetwork indicates a timeout, connection failure, or server error.
	ErrTransientNetwork = errors.New("authclient.transient_network")
	// ErrInvalidLoginPayload indicates a successful response without a usable token.
	ErrInvalidLoginPayload = errors.New("authclient.invalid_login_payload")
	// ErrLoginInProgress indicates a login attempt while another one is running.
	ErrLoginInProgress = errors.New("authclient.login_in_progress")
	// ErrNotAuthenticated indicates an operation that needs a session ran without one.
	ErrNotAuthenticated = errors.New("authclient.not_authenticated")
	// ErrSessionExpired indicates the session ended and the user must sign in again.
	ErrSessionExpired = errors.New("authclient.session_expired")
	// ErrSessionEnded indicates the session was replaced or cleared while a refresh ran.
	ErrSessionEnded = errors.New("authclient.session_ended")
)

// ResponseError describes a non-2xx response from the REST API.
type ResponseError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (responseErr *ResponseError) Error() string {
	if responseErr.Message == "" {
		return fmt.Sprintf("%s: status %d", responseErr.Operation, responseErr.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", responseErr.Operation, responseErr.StatusCode, responseErr.Message)
}

// ServerMessage returns the message reported by the server for the first
// ResponseError in the chain, or an empty string.
func ServerMessage(err error) string {
	var responseErr *ResponseError
	if errors.As(err, &responseErr) {
		return responseErr.Message
	}
	return ""
}

// StatusCode returns the HTTP status of the first ResponseError in the chain, or 0.
func StatusCode(err error) int {
	var responseErr *ResponseError
	if errors.As(err, &responseErr) {
		return responseErr.StatusCode
	}
	return 0
}
