package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/qadash/pkg/identity"
)

// ClientConfig contains the values exposed to the browser dashboard.
type ClientConfig struct {
	GatewayURL string
}

// ServeClientConfig emits a script that publishes window.__QADASH_CONFIG.
func ServeClientConfig(contextGin *gin.Context, configuration ClientConfig) {
	gatewayURL := configuration.GatewayURL
	if strings.TrimSpace(gatewayURL) == "" {
		scheme := forwardedProto(contextGin.Request)
		host := contextGin.Request.Host
		if host == "" {
			host = "localhost"
		}
		gatewayURL = fmt.Sprintf("%s://%s", scheme, host)
	}
	payload := struct {
		APIBaseURL  string `json:"apiBaseUrl"`
		LoginPath   string `json:"loginPath"`
		DefaultPath string `json:"defaultPath"`
	}{
		APIBaseURL:  strings.TrimRight(gatewayURL, "/") + "/api",
		LoginPath:   identity.LoginPath,
		DefaultPath: identity.DefaultPath,
	}

	encoded, encodeErr := json.Marshal(payload)
	if encodeErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "gateway.client_config.encode_failed",
		})
		return
	}

	script := fmt.Sprintf(`(function(){window.__QADASH_CONFIG=Object.freeze(%s);})();`, string(encoded))

	contextGin.Header("Cache-Control", "no-store, no-cache, must-revalidate, private")
	contextGin.Header("Pragma", "no-cache")
	contextGin.Header("X-Content-Type-Options", "nosniff")
	contextGin.Data(http.StatusOK, "application/javascript; charset=utf-8", []byte(script))
}

func forwardedProto(request *http.Request) string {
	if request == nil {
		return "https"
	}
	if headerValue := request.Header.Get("X-Forwarded-Proto"); headerValue != "" {
		return headerValue
	}
	if request.TLS != nil {
		return "https"
	}
	if request.URL != nil && request.URL.Scheme != "" {
		return request.URL.Scheme
	}
	return "http"
}
