package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/qadash/internal/authclient"
	"github.com/tyemirov/qadash/internal/gateway"
	"github.com/tyemirov/qadash/internal/session"
	"github.com/tyemirov/qadash/pkg/tokencodec"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildLogger = func(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// reportPaths are the report endpoints fetched by the reports command.
var reportPaths = []string{
	"/reports/by-status",
	"/reports/by-analyst",
	"/reports/by-client",
	"/reports/detailed",
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "qadash",
		Short:             "QA dashboard client: sign in, call the API with automatic token renewal, and run a local gateway",
		SilenceUsage:      true,
		PersistentPreRunE: prepareAppConfig,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("api_base_url", authclient.DefaultAPIBaseURL, "REST API base URL")
	flags.String("store_url", "", "Session store URL (memory://, sqlite://, postgres://, pgx://); defaults to sqlite under the home directory")
	flags.Duration("renewal_threshold", tokencodec.DefaultRenewalThreshold, "Renew access tokens whose remaining lifetime is below this threshold")
	flags.Duration("refresh_timeout", 15*time.Second, "Upper bound for a token refresh call")
	flags.Duration("request_timeout", 30*time.Second, "Upper bound for an API request")
	flags.String("env_file", ".env", "Optional dotenv file loaded before reading the environment")
	flags.Bool("verbose", false, "Enable development logging")

	for _, name := range []string{"api_base_url", "store_url", "renewal_threshold", "refresh_timeout", "request_timeout", "env_file", "verbose"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	viper.SetEnvPrefix("QADASH")
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		newLoginCommand(),
		newLogoutCommand(),
		newWhoAmICommand(),
		newStatusCommand(),
		newGetCommand(),
		newReportsCommand(),
		newServeCommand(),
	)
	return rootCmd
}

// clientRuntime is the assembled client core for one command invocation.
type clientRuntime struct {
	services   *authclient.Services
	logger     *zap.Logger
	registry   *prometheus.Registry
	closeStore func()
}

func (runtime *clientRuntime) Close() {
	runtime.closeStore()
	_ = runtime.logger.Sync()
}

func buildRuntime(command *cobra.Command) (*clientRuntime, error) {
	appConfig, configErr := appConfigFromCommand(command)
	if configErr != nil {
		return nil, configErr
	}
	logger, loggerErr := buildLogger(appConfig.Verbose)
	if loggerErr != nil {
		return nil, loggerErr
	}

	ctx := command.Context()
	backend, driver, closeStore, storeErr := openKeyValueStore(ctx, appConfig.StoreURL)
	if storeErr != nil {
		return nil, storeErr
	}
	logger.Debug("session store ready",
		zap.String("code", "cli.store.ready"),
		zap.String("driver", driver))

	registry := prometheus.NewRegistry()
	metrics := authclient.NewPrometheusMetrics(registry)

	services, servicesErr := authclient.NewServices(authclient.ClientConfig{
		APIBaseURL:       appConfig.APIBaseURL,
		RenewalThreshold: appConfig.RenewalThreshold,
		RefreshTimeout:   appConfig.RefreshTimeout,
		RequestTimeout:   appConfig.RequestTimeout,
	}, session.NewStore(backend, logger), logger, metrics, func(event authclient.SignOutEvent) {
		logger.Warn("signed out; sign in again",
			zap.String("code", "cli.signed_out"),
			zap.String("reason", string(event.Reason)))
	})
	if servicesErr != nil {
		closeStore()
		return nil, servicesErr
	}
	services.Manager.Rehydrate(ctx)

	return &clientRuntime{
		services:   services,
		logger:     logger,
		registry:   registry,
		closeStore: closeStore,
	}, nil
}

func writeJSON(writer io.Writer, value interface{}) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func newLoginCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		RunE: func(command *cobra.Command, arguments []string) error {
			email := viper.GetString("email")
			password := viper.GetString("password")
			if email == "" || password == "" {
				return configError(configCodeMissingCredentials, "email and password must be provided")
			}
			runtime, runtimeErr := buildRuntime(command)
			if runtimeErr != nil {
				return runtimeErr
			}
			defer runtime.Close()

			user, loginErr := runtime.services.Manager.Login(command.Context(), email, password)
			if loginErr != nil {
				return loginErr
			}
			return writeJSON(command.OutOrStdout(), user)
		},
	}
	command.Flags().String("email", "", "Account email")
	command.Flags().String("password", "", "Account password (or QADASH_PASSWORD)")
	_ = viper.BindPFlag("email", command.Flags().Lookup("email"))
	_ = viper.BindPFlag("password", command.Flags().Lookup("password"))
	return command
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and remove the stored session",
		RunE: func(command *cobra.Command, arguments []string) error {
			runtime, runtimeErr := buildRuntime(command)
			if runtimeErr != nil {
				return runtimeErr
			}
			defer runtime.Close()
			return runtime.services.Manager.Logout(command.Context())
		},
	}
}

func newWhoAmICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the signed-in user",
		RunE: func(command *cobra.Command, arguments []string) error {
			runtime, runtimeErr := buildRuntime(command)
			if runtimeErr != nil {
				return runtimeErr
			}
			defer runtime.Close()
			user := runtime.services.Manager.User()
			if user == nil {
				return authclient.ErrNotAuthenticated
			}
			return writeJSON(command.OutOrStdout(), user)
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the credential state and token expiry",
		RunE: func(command *cobra.Command, arguments []string) error {
			runtime, runtimeErr := buildRuntime(command)
			if runtimeErr != nil {
				return runtimeErr
			}
			defer runtime.Close()

			manager := runtime.services.Manager
			status := map[string]interface{}{"state": manager.State()}
			current := manager.Session()
			if current.IsAuthenticated() {
				status["user"] = current.User
				status["has_refresh_token"] = current.RefreshToken != ""
				if decoded, decodeErr := tokencodec.Decode(current.AccessToken); decodeErr == nil {
					status["expires"] = decoded.ExpiresAt
					status["renewal_due"] = tokencodec.IsNearExpiry(decoded, time.Now().UTC(), manager.RenewalThreshold())
				}
			}
			return writeJSON(command.OutOrStdout(), status)
		},
	}
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Fetch an API path with the current session",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			runtime, runtimeErr := buildRuntime(command)
			if runtimeErr != nil {
				return runtimeErr
			}
			defer runtime.Close()

			var payload json.RawMessage
			if getErr := runtime.services.Client.GetJSON(command.Context(), arguments[0], &payload); getErr != nil {
				return getErr
			}
			return writeJSON(command.OutOrStdout(), payload)
		},
	}
}

func newReportsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reports",
		Short: "Fetch every dashboard report concurrently",
		RunE: func(command *cobra.Command, arguments []string) error {
			runtime, runtimeErr := buildRuntime(command)
			if runtimeErr != nil {
				return runtimeErr
			}
			defer runtime.Close()

			results := make([]json.RawMessage, len(reportPaths))
			group, groupCtx := errgroup.WithContext(command.Context())
			for index, path := range reportPaths {
				index, path := index, path
				group.Go(func() error {
					if getErr := runtime.services.Client.GetJSON(groupCtx, path, &results[index]); getErr != nil {
						return fmt.Errorf("%s: %w", path, getErr)
					}
					return nil
				})
			}
			if waitErr := group.Wait(); waitErr != nil {
				return waitErr
			}
			combined := make(map[string]json.RawMessage, len(reportPaths))
			for index, path := range reportPaths {
				combined[path] = results[index]
			}
			return writeJSON(command.OutOrStdout(), combined)
		},
	}
}

func newServeCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "serve",
		Short: "Run the local gateway that gates dashboard routes by role",
		RunE:  runServe,
	}
	command.Flags().String("listen_addr", ":8080", "HTTP listen address")
	command.Flags().StringSlice("cors_allowed_origins", []string{}, "Browser origins allowed to call the gateway")
	command.Flags().String("gateway_url", "", "Public URL of the gateway, published to the dashboard UI and allowed for CORS")
	_ = viper.BindPFlag("listen_addr", command.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("cors_allowed_origins", command.Flags().Lookup("cors_allowed_origins"))
	_ = viper.BindPFlag("gateway_url", command.Flags().Lookup("gateway_url"))
	return command
}

func runServe(command *cobra.Command, arguments []string) error {
	appConfig, configErr := appConfigFromCommand(command)
	if configErr != nil {
		return configErr
	}
	runtime, runtimeErr := buildRuntime(command)
	if runtimeErr != nil {
		return runtimeErr
	}
	defer runtime.Close()
	logger := runtime.logger

	runtime.registry.MustRegister(collectors.NewGoCollector())

	gin.SetMode(gin.ReleaseMode)
	router, routerErr := gateway.NewRouter(gateway.RouterConfig{
		AllowedOrigins: appConfig.AllowedOrigins,
		GatewayURL:     appConfig.GatewayURL,
	}, gateway.Dependencies{
		Controller: runtime.services.Manager,
		Forwarder:  runtime.services.Client,
		Gatherer:   runtime.registry,
		Logger:     logger,
	})
	if routerErr != nil {
		return routerErr
	}

	server := &http.Server{
		Addr:              appConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.String("code", "cli.serve.shutdown"), zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("code", "cli.serve.listening"), zap.String("addr", appConfig.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}
