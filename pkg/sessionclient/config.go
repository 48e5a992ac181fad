package sessionclient

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/tyemirov/learnauth/internal/metrics"
	"github.com/tyemirov/learnauth/pkg/credentials"
	"go.uber.org/zap"
)

const (
	defaultRefreshPath    = "/auth/refresh"
	defaultRefreshTimeout = 15 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// Config wires a Client to its server, persistence, and observability.
type Config struct {
	// BaseURL is the scheme and host of the API, e.g. https://api.example.com.
	BaseURL string
	// HTTPClient is used for every exchange. A client with a cookie jar is
	// created when nil; the jar carries the server-managed refresh cookie.
	HTTPClient *http.Client
	Store      credentials.Store
	Logger     *zap.Logger
	Metrics    metrics.Recorder
	// ExpiryDetector decides whether a response means "access token expired".
	// Defaults to HTTP 401.
	ExpiryDetector ExpiryDetector
	RefreshPath    string
	// RefreshTimeout bounds a single renewal exchange regardless of caller contexts.
	RefreshTimeout time.Duration
	RequestTimeout time.Duration
	// ProactiveRefreshWindow renews before dispatch when the stored JWT expires
	// within this window. Zero disables it.
	ProactiveRefreshWindow time.Duration

	now func() time.Time
}

func configError(code string, message string) error {
	return errors.New(code + ": " + message)
}

func (configuration Config) normalized() (Config, error) {
	trimmedBaseURL := strings.TrimRight(strings.TrimSpace(configuration.BaseURL), "/")
	if trimmedBaseURL == "" {
		return Config{}, configError("config.missing_base_url", "base_url must be provided")
	}
	parsedBaseURL, parseErr := url.Parse(trimmedBaseURL)
	if parseErr != nil || parsedBaseURL.Scheme == "" || parsedBaseURL.Host == "" {
		return Config{}, configError("config.invalid_base_url", fmt.Sprintf("base_url %q must be an absolute URL", configuration.BaseURL))
	}
	if configuration.Store == nil {
		return Config{}, configError("config.missing_store", "credential store must be provided")
	}
	if configuration.RefreshTimeout < 0 || configuration.RequestTimeout < 0 || configuration.ProactiveRefreshWindow < 0 {
		return Config{}, configError("config.invalid_timeout", "timeouts must not be negative")
	}
	normalized := configuration
	normalized.BaseURL = trimmedBaseURL
	if normalized.Logger == nil {
		normalized.Logger = zap.NewNop()
	}
	if normalized.Metrics == nil {
		normalized.Metrics = metrics.Nop{}
	}
	if normalized.ExpiryDetector == nil {
		normalized.ExpiryDetector = StatusExpiryDetector(http.StatusUnauthorized)
	}
	if strings.TrimSpace(normalized.RefreshPath) == "" {
		normalized.RefreshPath = defaultRefreshPath
	}
	if normalized.RefreshTimeout == 0 {
		normalized.RefreshTimeout = defaultRefreshTimeout
	}
	if normalized.RequestTimeout == 0 {
		normalized.RequestTimeout = defaultRequestTimeout
	}
	if normalized.HTTPClient == nil {
		jar, jarErr := cookiejar.New(nil)
		if jarErr != nil {
			return Config{}, fmt.Errorf("sessionclient.config.cookie_jar: %w", jarErr)
		}
		normalized.HTTPClient = &http.Client{Jar: jar, Timeout: normalized.RequestTimeout}
	}
	if normalized.now == nil {
		normalized.now = time.Now
	}
	return normalized, nil
}
