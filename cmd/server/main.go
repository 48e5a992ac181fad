package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/learnauth/internal/authkit"
	"github.com/tyemirov/learnauth/internal/metrics"
	"github.com/tyemirov/learnauth/internal/web"
	"github.com/tyemirov/learnauth/pkg/identity"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

var buildLogger = func() (*zap.Logger, error) {
	return zap.NewProduction()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "learnauth-server",
		Short:   "Learning platform auth backend with JWT sessions, rotating refresh tokens, profiles, and role administration",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID; empty disables Google Sign-In")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access JWT")
	rootCmd.Flags().String("jwt_issuer", defaultIssuer, "Issuer claim for access JWT")
	rootCmd.Flags().Duration("access_ttl", 15*time.Minute, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", 60*24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().Duration("nonce_ttl", authkit.DefaultNonceTTL, "Nonce lifetime for Google Sign-In exchanges")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().String("database_url", "", "Database URL for refresh tokens (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().Duration("purge_interval", time.Hour, "How often expired refresh tokens are purged")
	rootCmd.Flags().String("redis_url", "", "Redis URL for Google Sign-In nonces; leave empty for in-memory store")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().Float64("login_rate", 1, "Password login attempts per second per client IP; 0 disables throttling")
	rootCmd.Flags().Int("login_burst", 5, "Password login burst per client IP")
	rootCmd.Flags().Int64("max_artifact_bytes", authkit.DefaultMaxArtifactBytes, "Maximum size of an uploaded resume or picture")
	rootCmd.Flags().String("admin_email", "", "Seed a platform administrator with this email")
	rootCmd.Flags().String("admin_password", "", "Password for the seeded platform administrator")

	for _, flagName := range []string{
		"listen_addr", "cookie_domain", "google_web_client_id", "jwt_signing_key", "jwt_issuer",
		"access_ttl", "refresh_ttl", "nonce_ttl", "dev_insecure_http", "database_url", "purge_interval",
		"redis_url", "enable_cors", "cors_allowed_origins", "login_rate", "login_burst",
		"max_artifact_bytes", "admin_email", "admin_password",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	defaultIssuer    = "learnauth"
	metricsNamespace = "learnauth"

	configCodeMissingJWTSigningKey     = "config.missing_jwt_signing_key"
	configCodeInvalidAccessTTL         = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL        = "config.invalid_refresh_ttl"
	configCodeInvalidLoginRate         = "config.invalid_login_rate"
	configCodeInvalidMaxArtifactBytes  = "config.invalid_max_artifact_bytes"
	configCodeMissingCORSOrigins       = "config.missing_cors_allowed_origins"
	configCodeIncompleteAdminSeed      = "config.incomplete_admin_seed"
	configCodeUninitializedServerConf  = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit      = "config.google_validator_init"
	configCodeInvalidRedisURL          = "config.invalid_redis_url"
	configCodeMetricsRegistrationError = "config.metrics_registration"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

// adminSeed is the optional platform administrator created at startup.
type adminSeed struct {
	Email    string
	Password string
}

// runtimeConfig is everything runServer needs beyond authkit.ServerConfig.
type runtimeConfig struct {
	Server         authkit.ServerConfig
	ListenAddr     string
	DatabaseURL    string
	PurgeInterval  time.Duration
	RedisURL       string
	AllowedOrigins []string
	Admin          adminSeed
}

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates flags and APP_* environment variables.
func LoadServerConfig() (runtimeConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return runtimeConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return runtimeConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return runtimeConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	nonceTTL := authkit.DefaultNonceTTL
	if configuredNonceTTL := viper.GetDuration("nonce_ttl"); configuredNonceTTL > 0 {
		nonceTTL = configuredNonceTTL
	}

	loginRate := viper.GetFloat64("login_rate")
	if loginRate < 0 {
		return runtimeConfig{}, configError(configCodeInvalidLoginRate, "login_rate must not be negative")
	}

	maxArtifactBytes := viper.GetInt64("max_artifact_bytes")
	if maxArtifactBytes < 0 {
		return runtimeConfig{}, configError(configCodeInvalidMaxArtifactBytes, "max_artifact_bytes must not be negative")
	}

	allowedOrigins := []string{}
	if viper.GetBool("enable_cors") {
		allowedOrigins = viper.GetStringSlice("cors_allowed_origins")
		if len(allowedOrigins) == 0 {
			return runtimeConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
		}
	}

	seed := adminSeed{
		Email:    strings.TrimSpace(viper.GetString("admin_email")),
		Password: viper.GetString("admin_password"),
	}
	if (seed.Email == "") != (seed.Password == "") {
		return runtimeConfig{}, configError(configCodeIncompleteAdminSeed, "admin_email and admin_password must be provided together")
	}

	issuer := viper.GetString("jwt_issuer")
	if issuer == "" {
		issuer = defaultIssuer
	}

	sameSiteMode := http.SameSiteStrictMode
	if len(allowedOrigins) > 0 {
		sameSiteMode = http.SameSiteNoneMode
	}

	return runtimeConfig{
		Server: authkit.ServerConfig{
			GoogleWebClientID: viper.GetString("google_web_client_id"),
			AppJWTSigningKey:  []byte(jwtSigningKey),
			AppJWTIssuer:      issuer,
			CookieDomain:      viper.GetString("cookie_domain"),
			RefreshCookieName: authkit.DefaultRefreshCookieName,
			AccessTTL:         accessTTL,
			RefreshTTL:        refreshTTL,
			NonceTTL:          nonceTTL,
			SameSiteMode:      sameSiteMode,
			AllowInsecureHTTP: viper.GetBool("dev_insecure_http"),
			LoginRate:         rate.Limit(loginRate),
			LoginBurst:        viper.GetInt("login_burst"),
			MaxArtifactBytes:  maxArtifactBytes,
		},
		ListenAddr:     viper.GetString("listen_addr"),
		DatabaseURL:    viper.GetString("database_url"),
		PurgeInterval:  viper.GetDuration("purge_interval"),
		RedisURL:       viper.GetString("redis_url"),
		AllowedOrigins: allowedOrigins,
		Admin:          seed,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	configuration, ok := contextValue.(runtimeConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	logger, loggerErr := buildLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	accounts := web.NewInMemoryUsers(nil)
	if configuration.Admin.Email != "" {
		if _, seedErr := accounts.CreateUser(shutdownCtx, "admin", configuration.Admin.Email, configuration.Admin.Password, identity.RoleSuperAdmin); seedErr != nil {
			return fmt.Errorf("admin seed: %w", seedErr)
		}
		logger.Info("seeded platform administrator", zap.String("email", configuration.Admin.Email))
	}

	var refreshStore authkit.RefreshTokenStore
	if configuration.DatabaseURL != "" {
		persistentStore, storeErr := authkit.NewDatabaseRefreshTokenStore(shutdownCtx, configuration.DatabaseURL)
		if storeErr != nil {
			return storeErr
		}
		refreshStore = persistentStore
		logger.Info("using persistent refresh token store", zap.String("driver", persistentStore.Driver()))
		go purgeExpiredRefreshTokens(shutdownCtx, persistentStore, configuration.PurgeInterval, logger)
	} else {
		memoryStore := authkit.NewMemoryRefreshTokenStore()
		refreshStore = memoryStore
		logger.Info("using in-memory refresh token store")
		go purgeExpiredRefreshTokens(shutdownCtx, memoryStore, configuration.PurgeInterval, logger)
	}

	var nonceStore authkit.NonceStore
	if configuration.RedisURL != "" {
		redisOptions, parseErr := redis.ParseURL(configuration.RedisURL)
		if parseErr != nil {
			return fmt.Errorf("%s: %w", configCodeInvalidRedisURL, parseErr)
		}
		redisClient := redis.NewClient(redisOptions)
		defer func() { _ = redisClient.Close() }()
		nonceStore = authkit.NewRedisNonceStore(redisClient, configuration.Server.NonceTTL)
		logger.Info("using redis nonce store", zap.String("addr", redisOptions.Addr))
	} else {
		nonceStore = authkit.NewMemoryNonceStore(configuration.Server.NonceTTL)
	}

	var googleValidator authkit.GoogleTokenValidator
	if configuration.Server.GoogleWebClientID != "" {
		validator, validatorErr := buildGoogleTokenValidator(shutdownCtx)
		if validatorErr != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
		}
		googleValidator = validator
	} else {
		logger.Info("google sign-in disabled", zap.String("code", "config.google_disabled"))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prometheusRecorder, metricsErr := metrics.NewPrometheusMetrics(registry, metricsNamespace)
	if metricsErr != nil {
		return fmt.Errorf("%s: %w", configCodeMetricsRegistrationError, metricsErr)
	}

	gin.SetMode(gin.ReleaseMode)
	router, routerErr := web.NewRouter(web.ServerDependencies{
		Config:          configuration.Server,
		Accounts:        accounts,
		RefreshTokens:   refreshStore,
		Nonces:          nonceStore,
		Artifacts:       web.NewMemoryArtifacts(),
		GoogleValidator: googleValidator,
		Clock:           authkit.NewSystemClock(),
		Logger:          logger,
		Metrics:         metrics.Fanout{prometheusRecorder},
		MetricsHandler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		AllowedOrigins:  configuration.AllowedOrigins,
		Middleware:      []gin.HandlerFunc{zapLoggerMiddleware(logger)},
	})
	if routerErr != nil {
		return routerErr
	}

	server := &http.Server{
		Addr:              configuration.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", configuration.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

// refreshTokenPurger is the part of a refresh token store the purge loop needs.
type refreshTokenPurger interface {
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

func purgeExpiredRefreshTokens(ctx context.Context, store refreshTokenPurger, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tickTime := <-ticker.C:
			purged, purgeErr := store.PurgeExpired(ctx, tickTime)
			if purgeErr != nil {
				logger.Warn("refresh token purge failed", zap.String("code", "refresh_store.purge_failed"), zap.Error(purgeErr))
				continue
			}
			if purged > 0 {
				logger.Info("purged expired refresh tokens", zap.Int64("count", purged))
			}
		}
	}
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
