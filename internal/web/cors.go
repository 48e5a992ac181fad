package web

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errNoBrowserOrigins = errors.New("web.cors.no_origins")
	errBrowserOrigin    = errors.New("web.cors.invalid_origin")
)

// ConfigureCORS lets the browser client on allowedOrigins call the API with
// credentials: the bearer access token in Authorization and the refresh cookie.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, rawOrigin := range allowedOrigins {
		if strings.TrimSpace(rawOrigin) == "" {
			continue
		}
		origin, insecure, originErr := normalizeBrowserOrigin(rawOrigin)
		if originErr != nil {
			return nil, originErr
		}
		if insecure {
			logger.Warn("browser origin without TLS will carry the refresh cookie",
				zap.String("code", "web.cors.insecure_origin"),
				zap.String("origin", origin))
		}
		origins = append(origins, origin)
	}
	slices.Sort(origins)
	origins = slices.Compact(origins)
	if len(origins) == 0 {
		return nil, errNoBrowserOrigins
	}

	return cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		// Retry-After accompanies throttled sign-ins.
		ExposeHeaders:    []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}), nil
}

// normalizeBrowserOrigin reduces rawOrigin to scheme://host[:port]. Credentialed
// CORS forbids the wildcard, and an origin never has a path, query or fragment.
func normalizeBrowserOrigin(rawOrigin string) (origin string, insecure bool, err error) {
	trimmed := strings.TrimSpace(rawOrigin)
	if trimmed == "*" {
		return "", false, fmt.Errorf("%w: wildcard cannot be combined with credentials", errBrowserOrigin)
	}
	parsed, parseErr := url.Parse(trimmed)
	if parseErr != nil || parsed.Host == "" {
		return "", false, fmt.Errorf("%w: %q", errBrowserOrigin, trimmed)
	}
	if strings.TrimSuffix(parsed.Path, "/") != "" || parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", false, fmt.Errorf("%w: %q has more than scheme and host", errBrowserOrigin, trimmed)
	}
	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "https":
	case "http":
		host := parsed.Hostname()
		insecure = host != "localhost" && host != "127.0.0.1" && host != "::1"
	default:
		return "", false, fmt.Errorf("%w: %q must use http or https", errBrowserOrigin, trimmed)
	}
	return scheme + "://" + strings.ToLower(parsed.Host), insecure, nil
}
