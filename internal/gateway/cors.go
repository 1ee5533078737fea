package gateway

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/qadash/internal/authclient"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("gateway.cors.wildcard_origin")
	errEmptyAllowedOrigins = errors.New("gateway.cors.no_origins")
	errInvalidOrigin       = errors.New("gateway.cors.invalid_origin")
)

// ConfigureCORS lets the dashboard UI call the gateway from its own origin. The
// gateway's public URL is always allowed, so a UI served behind it needs no extra entry.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string, gatewayURL string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	candidates := append([]string{}, allowedOrigins...)
	if strings.TrimSpace(gatewayURL) != "" {
		gatewayOrigin, originErr := originOf(gatewayURL, true)
		if originErr != nil {
			return nil, fmt.Errorf("gateway.cors.gateway_url: %w", originErr)
		}
		candidates = append(candidates, gatewayOrigin)
	}

	origins := make([]string, 0, len(candidates))
	known := make(map[string]bool, len(candidates))
	for _, candidate := range candidates {
		if strings.TrimSpace(candidate) == "" {
			continue
		}
		origin, originErr := originOf(candidate, false)
		if originErr != nil {
			return nil, originErr
		}
		if known[origin] {
			continue
		}
		known[origin] = true
		if strings.HasPrefix(origin, "http://") && !isLoopbackOrigin(origin) {
			logger.Warn("plain http ui origin allowed",
				zap.String("code", "gateway.cors.origin_unsafe"),
				zap.String("origin", origin))
		}
		origins = append(origins, origin)
	}
	if len(origins) == 0 {
		return nil, errEmptyAllowedOrigins
	}

	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Accept", authclient.RequestIDHeader},
		ExposeHeaders:    []string{authclient.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}), nil
}

// originOf reduces a URL to scheme://host[:port]. Unless pathAllowed is set, anything
// after the host is an error, since browsers never send it in an Origin header.
func originOf(rawURL string, pathAllowed bool) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "*" {
		return "", errWildcardOrigin
	}
	parsed, parseErr := url.Parse(trimmed)
	if parseErr != nil || parsed.Host == "" {
		return "", fmt.Errorf("%w: %s", errInvalidOrigin, trimmed)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: %s", errInvalidOrigin, trimmed)
	}
	if !pathAllowed && (strings.Trim(parsed.Path, "/") != "" || parsed.RawQuery != "" || parsed.Fragment != "") {
		return "", fmt.Errorf("%w: %s", errInvalidOrigin, trimmed)
	}
	return scheme + "://" + strings.ToLower(parsed.Host), nil
}

func isLoopbackOrigin(origin string) bool {
	parsed, parseErr := url.Parse(origin)
	if parseErr != nil {
		return false
	}
	hostname := parsed.Hostname()
	if hostname == "localhost" {
		return true
	}
	address := net.ParseIP(hostname)
	return address != nil && address.IsLoopback()
}
