package authclient

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tyemirov/qadash/internal/session"
	"go.uber.org/zap"
)

// DefaultAPIBaseURL is the REST API location used when none is configured.
const DefaultAPIBaseURL = "http://localhost:5001/api"

// ClientConfig configures the assembled client core.
type ClientConfig struct {
	APIBaseURL       string
	RenewalThreshold time.Duration
	RefreshTimeout   time.Duration
	RequestTimeout   time.Duration
	ExemptPaths      []string
	BaseTransport    http.RoundTripper
}

// Services bundles the manager, pipeline, and API client built from one configuration.
type Services struct {
	Manager  *Manager
	Pipeline *Pipeline
	Client   *Client
}

// NewServices wires the auth API adapter, manager, pipeline, transport, and client.
func NewServices(config ClientConfig, store *session.Store, logger *zap.Logger, metrics MetricsRecorder, onSignedOut func(SignOutEvent)) (*Services, error) {
	if config.APIBaseURL == "" {
		config.APIBaseURL = DefaultAPIBaseURL
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	parsedBase, parseErr := url.Parse(config.APIBaseURL)
	if parseErr != nil {
		return nil, fmt.Errorf("authclient.services: %w", parseErr)
	}

	authHTTPClient := &http.Client{Transport: config.BaseTransport, Timeout: config.RequestTimeout}
	api := NewHTTPAuthAPI(config.APIBaseURL, authHTTPClient, DefaultAuthPaths)
	manager, managerErr := NewManager(ManagerConfig{
		Store:            store,
		API:              api,
		Logger:           logger,
		Metrics:          metrics,
		RenewalThreshold: config.RenewalThreshold,
		RefreshTimeout:   config.RefreshTimeout,
		OnSignedOut:      onSignedOut,
	})
	if managerErr != nil {
		return nil, fmt.Errorf("authclient.services: %w", managerErr)
	}
	pipeline := NewPipeline(manager, parsedBase.Path, config.ExemptPaths)
	transport := NewTransport(pipeline, config.BaseTransport, logger, metrics)
	client, clientErr := NewClient(config.APIBaseURL, transport, config.RequestTimeout)
	if clientErr != nil {
		return nil, fmt.Errorf("authclient.services: %w", clientErr)
	}
	return &Services{Manager: manager, Pipeline: pipeline, Client: client}, nil
}
