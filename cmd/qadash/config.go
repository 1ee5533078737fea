package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/qadash/internal/authclient"
)

const (
	configCodeInvalidAPIBaseURL       = "config.invalid_api_base_url"
	configCodeInvalidRenewalThreshold = "config.invalid_renewal_threshold"
	configCodeInvalidRefreshTimeout   = "config.invalid_refresh_timeout"
	configCodeInvalidRequestTimeout   = "config.invalid_request_timeout"
	configCodeUnsupportedStoreURL     = "config.unsupported_store_url"
	configCodeUninitializedAppConfig  = "config.uninitialized_app_config"
	configCodeEnvFile                 = "config.env_file"
	configCodeMissingCredentials      = "config.missing_credentials"
	configCodeInvalidGatewayURL       = "config.invalid_gateway_url"
)

type contextKey string

const appConfigContextKey contextKey = "appConfig"

// AppConfig is the process configuration, read once at start.
type AppConfig struct {
	APIBaseURL       string
	StoreURL         string
	RenewalThreshold time.Duration
	RefreshTimeout   time.Duration
	RequestTimeout   time.Duration
	ListenAddr       string
	GatewayURL       string
	AllowedOrigins   []string
	Verbose          bool
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func prepareAppConfig(command *cobra.Command, arguments []string) error {
	if envFile := viper.GetString("env_file"); envFile != "" {
		if loadErr := godotenv.Load(envFile); loadErr != nil && !errors.Is(loadErr, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", configCodeEnvFile, loadErr)
		}
	}
	appConfig, loadErr := LoadAppConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, appConfigContextKey, appConfig))
	return nil
}

func appConfigFromCommand(command *cobra.Command) (AppConfig, error) {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(appConfigContextKey)
	}
	appConfig, ok := contextValue.(AppConfig)
	if !ok {
		return AppConfig{}, configError(configCodeUninitializedAppConfig, "application configuration not prepared; PersistentPreRunE must execute before RunE")
	}
	return appConfig, nil
}

// LoadAppConfig validates the values bound through viper.
func LoadAppConfig() (AppConfig, error) {
	apiBaseURL := strings.TrimSpace(viper.GetString("api_base_url"))
	if apiBaseURL == "" {
		apiBaseURL = authclient.DefaultAPIBaseURL
	}
	parsed, parseErr := url.Parse(apiBaseURL)
	if parseErr != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return AppConfig{}, configError(configCodeInvalidAPIBaseURL, "api_base_url must be an absolute http(s) URL")
	}

	renewalThreshold := viper.GetDuration("renewal_threshold")
	if renewalThreshold <= 0 {
		return AppConfig{}, configError(configCodeInvalidRenewalThreshold, "renewal_threshold must be greater than zero")
	}
	refreshTimeout := viper.GetDuration("refresh_timeout")
	if refreshTimeout <= 0 {
		return AppConfig{}, configError(configCodeInvalidRefreshTimeout, "refresh_timeout must be greater than zero")
	}
	requestTimeout := viper.GetDuration("request_timeout")
	if requestTimeout <= 0 {
		return AppConfig{}, configError(configCodeInvalidRequestTimeout, "request_timeout must be greater than zero")
	}

	gatewayURL := strings.TrimSpace(viper.GetString("gateway_url"))
	if gatewayURL != "" {
		parsedGateway, gatewayErr := url.Parse(gatewayURL)
		if gatewayErr != nil || parsedGateway.Host == "" || (parsedGateway.Scheme != "http" && parsedGateway.Scheme != "https") {
			return AppConfig{}, configError(configCodeInvalidGatewayURL, "gateway_url must be an absolute http(s) URL")
		}
	}

	storeURL := strings.TrimSpace(viper.GetString("store_url"))
	if storeURL == "" {
		storeURL = defaultStoreURL()
	}

	return AppConfig{
		APIBaseURL:       strings.TrimRight(apiBaseURL, "/"),
		StoreURL:         storeURL,
		RenewalThreshold: renewalThreshold,
		RefreshTimeout:   refreshTimeout,
		RequestTimeout:   requestTimeout,
		ListenAddr:       viper.GetString("listen_addr"),
		GatewayURL:       strings.TrimRight(gatewayURL, "/"),
		AllowedOrigins:   viper.GetStringSlice("cors_allowed_origins"),
		Verbose:          viper.GetBool("verbose"),
	}, nil
}

func defaultStoreURL() string {
	homeDirectory, homeErr := os.UserHomeDir()
	if homeErr != nil || homeDirectory == "" {
		return "memory://"
	}
	return "sqlite://" + filepath.Join(homeDirectory, ".qadash", "session.db")
}
