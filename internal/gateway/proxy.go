package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/qadash/internal/authclient"
	"github.com/tyemirov/qadash/pkg/identity"
	"go.uber.org/zap"
)

// Forwarder sends API requests through the authorizing transport.
type Forwarder interface {
	Do(ctx context.Context, method string, path string, body io.Reader, header http.Header) (*http.Response, error)
}

var forwardedRequestHeaders = []string{"Content-Type", "Accept", authclient.RequestIDHeader}

var forwardedResponseHeaders = []string{"Content-Type", "Cache-Control", authclient.RequestIDHeader}

const apiPathContextKey = "gateway.api_path"

// cleanAPIPath resolves "." segments and duplicate slashes. Paths with ".." segments
// are refused.
func cleanAPIPath(rawPath string) (string, bool) {
	for _, segment := range strings.Split(rawPath, "/") {
		if segment == ".." {
			return "", false
		}
	}
	return path.Clean("/" + rawPath), true
}

// apiPathFrom returns the cleaned API path of the request.
func apiPathFrom(contextGin *gin.Context) (string, bool) {
	if cached, exists := contextGin.Get(apiPathContextKey); exists {
		if apiPath, ok := cached.(string); ok {
			return apiPath, true
		}
	}
	apiPath, ok := cleanAPIPath(contextGin.Param("path"))
	if ok {
		contextGin.Set(apiPathContextKey, apiPath)
	}
	return apiPath, ok
}

// RequireRoute enforces the role table on API paths. Public paths skip the check.
func RequireRoute(logger *zap.Logger, controller SessionController, gate *identity.Gate, publicPaths []string) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(contextGin *gin.Context) {
		apiPath, ok := apiPathFrom(contextGin)
		if !ok {
			logger.Info("route refused",
				zap.String("code", "gateway.route.invalid_path"),
				zap.String("method", contextGin.Request.Method),
				zap.String("path", contextGin.Param("path")))
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "gateway.route.invalid_path"})
			return
		}
		if authclient.MatchesExemptPath(publicPaths, apiPath) {
			contextGin.Next()
			return
		}
		user := controller.Session().User
		decision := gate.Check(user, contextGin.Request.Method, apiPath)
		if decision.Allowed {
			contextGin.Next()
			return
		}
		status := http.StatusForbidden
		code := "gateway.route.forbidden"
		if user == nil {
			status = http.StatusUnauthorized
			code = "gateway.route.unauthenticated"
		}
		logger.Info("route denied",
			zap.String("code", code),
			zap.String("method", contextGin.Request.Method),
			zap.String("path", apiPath))
		contextGin.AbortWithStatusJSON(status, gin.H{
			"error":    code,
			"redirect": decision.Redirect,
		})
	}
}

// HandleForward relays the request to the REST API and copies the response back.
// A successful update of the signed-in user's own profile refreshes the session user.
func HandleForward(logger *zap.Logger, forwarder Forwarder, controller SessionController) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if forwarder == nil {
		panic("forwarder is required")
	}

	return func(contextGin *gin.Context) {
		apiPath, ok := apiPathFrom(contextGin)
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "gateway.route.invalid_path"})
			return
		}
		target := apiPath
		if rawQuery := contextGin.Request.URL.RawQuery; rawQuery != "" {
			target += "?" + rawQuery
		}
		header := http.Header{}
		for _, name := range forwardedRequestHeaders {
			if value := contextGin.GetHeader(name); value != "" {
				header.Set(name, value)
			}
		}

		var body io.Reader
		if contextGin.Request.Body != nil && contextGin.Request.ContentLength != 0 {
			payload, readErr := io.ReadAll(contextGin.Request.Body)
			if readErr != nil {
				contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "gateway.forward.body"})
				return
			}
			body = bytes.NewReader(payload)
		}

		response, forwardErr := forwarder.Do(contextGin.Request.Context(), contextGin.Request.Method, target, body, header)
		if forwardErr != nil {
			status, code := classifyForwardError(forwardErr)
			logger.Warn("forward failed",
				zap.String("code", code),
				zap.String("path", target),
				zap.Error(forwardErr))
			response := gin.H{"error": code}
			if status == http.StatusUnauthorized {
				response["redirect"] = identity.LoginPath
			}
			contextGin.AbortWithStatusJSON(status, response)
			return
		}
		defer func() { _ = response.Body.Close() }()

		for _, name := range forwardedResponseHeaders {
			if value := response.Header.Get(name); value != "" {
				contextGin.Header(name, value)
			}
		}
		var responseBody io.Reader = response.Body
		if controller != nil && response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices &&
			updatesOwnProfile(contextGin.Request.Method, apiPath, controller.Session().User) {
			payload, readErr := io.ReadAll(io.LimitReader(response.Body, maxProfileResponseBytes))
			if readErr != nil {
				contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "gateway.forward.upstream"})
				return
			}
			syncProfile(contextGin.Request.Context(), logger, controller, payload)
			responseBody = bytes.NewReader(payload)
		}
		contextGin.Status(response.StatusCode)
		if _, copyErr := io.Copy(contextGin.Writer, responseBody); copyErr != nil {
			logger.Warn("forward copy interrupted",
				zap.String("code", "gateway.forward.copy"),
				zap.Error(copyErr))
		}
	}
}

const maxProfileResponseBytes = 1 << 20

// updatesOwnProfile reports whether the request edits the signed-in user's record.
func updatesOwnProfile(method string, apiPath string, current *identity.UserRecord) bool {
	if current == nil || (method != http.MethodPut && method != http.MethodPatch) {
		return false
	}
	return apiPath == "/users/profile" || apiPath == "/users/"+strconv.FormatInt(current.ID, 10)
}

func syncProfile(ctx context.Context, logger *zap.Logger, controller SessionController, payload []byte) {
	updated := authclient.ParseProfile(payload)
	if updated == nil {
		return
	}
	if updateErr := controller.UpdateUser(context.WithoutCancel(ctx), *updated); updateErr != nil {
		logger.Warn("session profile not updated",
			zap.String("code", "gateway.profile.update_failed"),
			zap.Error(updateErr))
	}
}

func classifyForwardError(err error) (int, string) {
	switch {
	case errors.Is(err, authclient.ErrSessionExpired):
		return http.StatusUnauthorized, "gateway.forward.session_expired"
	case errors.Is(err, context.Canceled):
		return 499, "gateway.forward.canceled"
	default:
		return http.StatusBadGateway, "gateway.forward.upstream"
	}
}
