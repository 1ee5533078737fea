package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/qadash/internal/authclient"
	"github.com/tyemirov/qadash/pkg/identity"
	"go.uber.org/zap"
)

// RouterConfig configures the local gateway.
type RouterConfig struct {
	AllowedOrigins []string
	GatewayURL     string
	PublicPaths    []string
	Routes         []identity.RouteRule
}

// Dependencies are the collaborators the gateway routes call into.
type Dependencies struct {
	Controller SessionController
	Forwarder  Forwarder
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
}

// NewRouter mounts the session, navigation, forwarding, and metrics routes.
func NewRouter(config RouterConfig, dependencies Dependencies) (*gin.Engine, error) {
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publicPaths := config.PublicPaths
	if publicPaths == nil {
		publicPaths = authclient.DefaultExemptPaths
	}
	routes := config.Routes
	if routes == nil {
		routes = identity.DashboardRoutes()
	}
	gate := identity.NewGate(routes)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger))
	if len(config.AllowedOrigins) > 0 || config.GatewayURL != "" {
		corsMiddleware, corsErr := ConfigureCORS(logger, config.AllowedOrigins, config.GatewayURL)
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/client/config.js", func(contextGin *gin.Context) {
		ServeClientConfig(contextGin, ClientConfig{GatewayURL: config.GatewayURL})
	})

	sessionGroup := router.Group("/session")
	sessionGroup.GET("", HandleWhoAmI(logger, dependencies.Controller))
	sessionGroup.POST("/login", HandleLogin(logger, dependencies.Controller))
	sessionGroup.POST("/logout", HandleLogout(logger, dependencies.Controller))
	router.GET("/navigate", HandleNavigate(dependencies.Controller, gate))

	router.Any("/api/*path",
		RequireRoute(logger, dependencies.Controller, gate, publicPaths),
		HandleForward(logger, dependencies.Forwarder, dependencies.Controller))

	if dependencies.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(dependencies.Gatherer, promhttp.HandlerOpts{})))
	}
	return router, nil
}

// RequestLogger logs one line per handled request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("code", "gateway.http"),
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
