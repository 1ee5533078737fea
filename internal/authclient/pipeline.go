package authclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// DefaultExemptPaths are API paths that never carry a bearer token and are never
// retried on 401. A trailing "/*" matches the path prefix.
var DefaultExemptPaths = []string{
	"/auth/login",
	"/auth/refresh",
	"/auth/forgot-password",
	"/auth/reset-password/*",
}

type contextKey string

const (
	skipAuthorizationKey contextKey = "authclient.skip_authorization"
	retriedRequestKey    contextKey = "authclient.retried"
)

// WithoutAuthorization marks requests issued with ctx as exempt from the pipeline.
func WithoutAuthorization(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipAuthorizationKey, true)
}

func withRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedRequestKey, true)
}

func isRetried(ctx context.Context) bool {
	retried, _ := ctx.Value(retriedRequestKey).(bool)
	return retried
}

// RetryDecision is the outcome of inspecting a failed response.
type RetryDecision struct {
	Retry         bool
	RejectedToken string
}

// Pipeline decides how outgoing API requests are authorized and whether a rejected
// request is retried.
type Pipeline struct {
	manager     *Manager
	basePath    string
	exemptPaths []string
}

// NewPipeline constructs a pipeline for requests under basePath. Nil exemptPaths uses
// DefaultExemptPaths.
func NewPipeline(manager *Manager, basePath string, exemptPaths []string) *Pipeline {
	if exemptPaths == nil {
		exemptPaths = DefaultExemptPaths
	}
	return &Pipeline{
		manager:     manager,
		basePath:    strings.TrimRight(basePath, "/"),
		exemptPaths: exemptPaths,
	}
}

// IsExempt reports whether the request bypasses authorization.
func (pipeline *Pipeline) IsExempt(request *http.Request) bool {
	if skip, _ := request.Context().Value(skipAuthorizationKey).(bool); skip {
		return true
	}
	return MatchesExemptPath(pipeline.exemptPaths, strings.TrimPrefix(request.URL.Path, pipeline.basePath))
}

// MatchesExemptPath reports whether an API path relative to the base URL matches one
// of the exempt patterns.
func MatchesExemptPath(patterns []string, relativePath string) bool {
	for _, pattern := range patterns {
		if prefix, isPrefix := strings.CutSuffix(pattern, "*"); isPrefix {
			if strings.HasPrefix(relativePath, prefix) {
				return true
			}
			continue
		}
		if relativePath == pattern {
			return true
		}
	}
	return false
}

// Authorize returns the request to send and the token attached to it. A token close to
// expiry is renewed first; concurrent callers share one refresh. Without a session the
// request is returned unchanged.
func (pipeline *Pipeline) Authorize(ctx context.Context, request *http.Request) (*http.Request, string, error) {
	if pipeline.IsExempt(request) {
		return request, "", nil
	}
	token, tokenErr := pipeline.manager.requestToken(ctx)
	if tokenErr != nil {
		if !errors.Is(tokenErr, ErrTransientNetwork) {
			return nil, "", fmt.Errorf("authclient.authorize: %w", asSessionExpired(tokenErr))
		}
		token = pipeline.manager.AccessToken()
		if token == "" {
			return nil, "", fmt.Errorf("authclient.authorize: %w", tokenErr)
		}
	}
	if token == "" {
		return request, "", nil
	}
	authorized := request.Clone(ctx)
	authorized.Header.Set("Authorization", "Bearer "+token)
	return authorized, token, nil
}

// OnAuthFailure decides whether a response should trigger a refresh and a single retry.
func (pipeline *Pipeline) OnAuthFailure(request *http.Request, response *http.Response) RetryDecision {
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		return RetryDecision{}
	}
	if isRetried(request.Context()) || pipeline.IsExempt(request) {
		return RetryDecision{}
	}
	usedToken, hasBearer := strings.CutPrefix(request.Header.Get("Authorization"), "Bearer ")
	if !hasBearer || usedToken == "" {
		return RetryDecision{}
	}
	return RetryDecision{Retry: true, RejectedToken: usedToken}
}

func asSessionExpired(err error) error {
	if errors.Is(err, ErrRefreshRejected) || errors.Is(err, ErrSessionEnded) {
		if !errors.Is(err, ErrSessionExpired) {
			return fmt.Errorf("%w: %w", ErrSessionExpired, err)
		}
	}
	return err
}
