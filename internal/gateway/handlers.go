package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/qadash/internal/authclient"
	"github.com/tyemirov/qadash/internal/session"
	"github.com/tyemirov/qadash/pkg/identity"
	"github.com/tyemirov/qadash/pkg/tokencodec"
	"go.uber.org/zap"
)

// SessionController is the part of the credential manager the gateway drives.
type SessionController interface {
	Login(ctx context.Context, email string, password string) (identity.UserRecord, error)
	Logout(ctx context.Context) error
	Session() session.Session
	State() authclient.State
	UpdateUser(ctx context.Context, user identity.UserRecord) error
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// HandleLogin signs in through the credential manager.
func HandleLogin(logger *zap.Logger, controller SessionController) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if controller == nil {
		panic("session controller is required")
	}

	return func(contextGin *gin.Context) {
		var payload loginRequest
		if bindErr := contextGin.ShouldBindJSON(&payload); bindErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "gateway.login.invalid_body"})
			return
		}
		user, loginErr := controller.Login(contextGin.Request.Context(), payload.Email, payload.Password)
		if loginErr != nil {
			status, code := classifyLoginError(loginErr)
			logger.Info("gateway login failed",
				zap.String("code", code),
				zap.Int("status", status))
			contextGin.AbortWithStatusJSON(status, gin.H{
				"error":   code,
				"message": authclient.ServerMessage(loginErr),
			})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"user":     user,
			"redirect": identity.DefaultPath,
		})
	}
}

func classifyLoginError(err error) (int, string) {
	switch {
	case errors.Is(err, authclient.ErrLoginInProgress):
		return http.StatusConflict, "gateway.login.in_progress"
	case errors.Is(err, authclient.ErrAuthenticationFailed):
		return http.StatusUnauthorized, "gateway.login.rejected"
	case errors.Is(err, authclient.ErrInvalidLoginPayload):
		return http.StatusBadGateway, "gateway.login.invalid_payload"
	case errors.Is(err, authclient.ErrTransientNetwork):
		return http.StatusServiceUnavailable, "gateway.login.unavailable"
	default:
		return http.StatusInternalServerError, "gateway.login.error"
	}
}

// HandleLogout ends the session. It always succeeds from the caller's point of view.
func HandleLogout(logger *zap.Logger, controller SessionController) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if controller == nil {
		panic("session controller is required")
	}

	return func(contextGin *gin.Context) {
		if logoutErr := controller.Logout(contextGin.Request.Context()); logoutErr != nil {
			logger.Warn("gateway logout incomplete",
				zap.String("code", "gateway.logout.storage"),
				zap.Error(logoutErr))
		}
		contextGin.Status(http.StatusNoContent)
	}
}

// HandleWhoAmI reports the signed-in user and the credential state.
func HandleWhoAmI(logger *zap.Logger, controller SessionController) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if controller == nil {
		panic("session controller is required")
	}

	return func(contextGin *gin.Context) {
		current := controller.Session()
		if !current.IsAuthenticated() || current.User == nil {
			logger.Debug("no active session",
				zap.String("code", "gateway.me.unauthenticated"))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":    "gateway.me.unauthenticated",
				"redirect": identity.LoginPath,
			})
			return
		}
		response := gin.H{
			"user":  current.User,
			"state": controller.State(),
		}
		if decoded, decodeErr := tokencodec.Decode(current.AccessToken); decodeErr == nil {
			response["expires"] = decoded.ExpiresAt
		}
		contextGin.JSON(http.StatusOK, response)
	}
}

// HandleNavigate answers whether the signed-in user may open a dashboard view.
func HandleNavigate(controller SessionController, gate *identity.Gate) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		path := contextGin.Query("path")
		if path == "" {
			path = identity.DefaultPath
		}
		decision := gate.Check(controller.Session().User, http.MethodGet, path)
		contextGin.JSON(http.StatusOK, gin.H{
			"path":     path,
			"allowed":  decision.Allowed,
			"redirect": decision.Redirect,
		})
	}
}
