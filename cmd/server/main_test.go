package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/learnauth/internal/authkit"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/idtoken"
)

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	logger, err := zap.NewProduction()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	router := gin.New()
	router.Use(zapLoggerMiddleware(logger))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestRunServerMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigRejections(t *testing.T) {
	testCases := []struct {
		name            string
		settings        map[string]any
		expectedMessage string
	}{
		{
			name:            "missing signing key",
			settings:        map[string]any{"access_ttl": time.Minute, "refresh_ttl": time.Hour},
			expectedMessage: "config.missing_jwt_signing_key: jwt_signing_key must be provided",
		},
		{
			name:            "non-positive access ttl",
			settings:        map[string]any{"jwt_signing_key": "signing-secret", "access_ttl": 0, "refresh_ttl": time.Hour},
			expectedMessage: "config.invalid_access_ttl: access_ttl must be greater than zero",
		},
		{
			name:            "non-positive refresh ttl",
			settings:        map[string]any{"jwt_signing_key": "signing-secret", "access_ttl": time.Minute, "refresh_ttl": -time.Hour},
			expectedMessage: "config.invalid_refresh_ttl: refresh_ttl must be greater than zero",
		},
		{
			name:            "negative login rate",
			settings:        map[string]any{"jwt_signing_key": "signing-secret", "access_ttl": time.Minute, "refresh_ttl": time.Hour, "login_rate": -1.0},
			expectedMessage: "config.invalid_login_rate: login_rate must not be negative",
		},
		{
			name:            "cors without origins",
			settings:        map[string]any{"jwt_signing_key": "signing-secret", "access_ttl": time.Minute, "refresh_ttl": time.Hour, "enable_cors": true},
			expectedMessage: "config.missing_cors_allowed_origins: cors_allowed_origins must be provided when enable_cors is true",
		},
		{
			name:            "admin email without password",
			settings:        map[string]any{"jwt_signing_key": "signing-secret", "access_ttl": time.Minute, "refresh_ttl": time.Hour, "admin_email": "root@example.com"},
			expectedMessage: "config.incomplete_admin_seed: admin_email and admin_password must be provided together",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			for key, value := range testCase.settings {
				viper.Set(key, value)
			}
			_, err := LoadServerConfig()
			if err == nil || err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %v", testCase.expectedMessage, err)
			}
		})
	}
}

func TestLoadServerConfigDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"https://learn.example.com"})

	configuration, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if configuration.Server.AppJWTIssuer != defaultIssuer {
		t.Fatalf("expected default issuer, got %q", configuration.Server.AppJWTIssuer)
	}
	if configuration.Server.NonceTTL != authkit.DefaultNonceTTL {
		t.Fatalf("expected default nonce ttl, got %s", configuration.Server.NonceTTL)
	}
	if configuration.Server.SameSiteMode != http.SameSiteNoneMode {
		t.Fatalf("cross-origin deployments need SameSite=None, got %v", configuration.Server.SameSiteMode)
	}
	if configuration.Server.GoogleWebClientID != "" {
		t.Fatalf("google sign-in should stay optional")
	}
}

func TestRunServerValidatorInitFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreLogger := withTestLogger(t)
	defer restoreLogger()
	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		return nil, errors.New("validator_fail")
	})
	defer restoreValidator()

	viper.Set("listen_addr", ":0")
	viper.Set("google_web_client_id", "client")
	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)

	if err := runServer(commandWithConfig(t), nil); err == nil || err.Error() != "config.google_validator_init: validator_fail" {
		t.Fatalf("expected google validator init error, got %v", err)
	}
}

func TestRunServerSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	redisServer := miniredis.RunT(t)

	restoreLogger := withTestLogger(t)
	defer restoreLogger()
	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		if server.Handler == nil {
			t.Fatalf("expected handler to be configured")
		}
		health := httptest.NewRecorder()
		server.Handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if health.Code != http.StatusOK {
			t.Fatalf("expected healthz 200, got %d", health.Code)
		}

		login := httptest.NewRecorder()
		loginRequest := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"identifier":"root@example.com","secret":"root-secret"}`))
		loginRequest.Header.Set("Content-Type", "application/json")
		server.Handler.ServeHTTP(login, loginRequest)
		if login.Code != http.StatusOK {
			t.Fatalf("expected seeded admin to log in, got %d: %s", login.Code, login.Body.String())
		}

		nonce := httptest.NewRecorder()
		server.Handler.ServeHTTP(nonce, httptest.NewRequest(http.MethodPost, "/auth/nonce", nil))
		if nonce.Code != http.StatusOK {
			t.Fatalf("expected nonce issuance, got %d", nonce.Code)
		}
		if keys := redisServer.Keys(); len(keys) != 1 || !strings.HasPrefix(keys[0], "learnauth:nonce:") {
			t.Fatalf("expected nonce stored in redis, got %v", keys)
		}

		scrape := httptest.NewRecorder()
		server.Handler.ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if scrape.Code != http.StatusOK || !strings.Contains(scrape.Body.String(), "learnauth_") {
			t.Fatalf("expected prometheus exposition, got %d", scrape.Code)
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		return noopGoogleValidator{}, nil
	})
	defer restoreValidator()

	viper.Set("listen_addr", ":0")
	viper.Set("google_web_client_id", "client")
	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("cookie_domain", "localhost")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("dev_insecure_http", true)
	viper.Set("database_url", "sqlite://"+filepath.Join(t.TempDir(), "refresh.db"))
	viper.Set("redis_url", "redis://"+redisServer.Addr())
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"http://localhost:3000"})
	viper.Set("admin_email", "root@example.com")
	viper.Set("admin_password", "root-secret")

	if err := runServer(commandWithConfig(t), nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
}

func TestRunServerInMemoryStoresWithoutGoogle(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreLogger := withTestLogger(t)
	defer restoreLogger()
	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		nonce := httptest.NewRecorder()
		server.Handler.ServeHTTP(nonce, httptest.NewRequest(http.MethodPost, "/auth/nonce", nil))
		if nonce.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected google sign-in to be disabled, got %d", nonce.Code)
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		t.Fatalf("validator must not be built without a client id")
		return nil, nil
	})
	defer restoreValidator()

	viper.Set("listen_addr", ":0")
	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("dev_insecure_http", true)

	if err := runServer(commandWithConfig(t), nil); err != nil {
		t.Fatalf("expected runServer to succeed with in-memory stores, got %v", err)
	}
}

func TestRunServerRejectsInvalidRedisURL(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreLogger := withTestLogger(t)
	defer restoreLogger()

	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("redis_url", "http://not-redis")

	err := runServer(commandWithConfig(t), nil)
	if err == nil || !strings.HasPrefix(err.Error(), "config.invalid_redis_url") {
		t.Fatalf("expected invalid redis url error, got %v", err)
	}
}

type recordingPurger struct {
	mutex   sync.Mutex
	cutoffs []time.Time
	purged  chan struct{}
}

func (purger *recordingPurger) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	purger.mutex.Lock()
	purger.cutoffs = append(purger.cutoffs, cutoff)
	purger.mutex.Unlock()
	select {
	case purger.purged <- struct{}{}:
	default:
	}
	return 1, nil
}

func TestPurgeExpiredRefreshTokensRunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	purger := &recordingPurger{purged: make(chan struct{}, 1)}
	finished := make(chan struct{})
	go func() {
		purgeExpiredRefreshTokens(ctx, purger, 5*time.Millisecond, zaptest.NewLogger(t))
		close(finished)
	}()

	select {
	case <-purger.purged:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected at least one purge")
	}
	cancel()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("purge loop did not stop after cancellation")
	}

	purgeExpiredRefreshTokens(context.Background(), purger, 0, zap.NewNop())
}

func TestNewRootCommandHelp(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
}

func commandWithConfig(t *testing.T) *cobra.Command {
	t.Helper()
	command := &cobra.Command{}
	if err := prepareServerConfig(command, nil); err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	return command
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}

func withTestLogger(t *testing.T) func() {
	previous := buildLogger
	buildLogger = func() (*zap.Logger, error) {
		return zaptest.NewLogger(t), nil
	}
	return func() {
		buildLogger = previous
	}
}

type noopGoogleValidator struct{}

func (noopGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	return &idtoken.Payload{}, nil
}

func withGoogleValidatorBuilderStub(stub func(ctx context.Context) (authkit.GoogleTokenValidator, error)) func() {
	previous := buildGoogleTokenValidator
	buildGoogleTokenValidator = stub
	return func() {
		buildGoogleTokenValidator = previous
	}
}
