package authkit

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// ServerConfig configures issuers, cookies, TTLs, and login throttling.
type ServerConfig struct {
	GoogleWebClientID string
	AppJWTSigningKey  []byte
	AppJWTIssuer      string
	CookieDomain      string
	RefreshCookieName string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	NonceTTL          time.Duration
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
	// LoginRate and LoginBurst throttle password attempts per client IP.
	// A zero LoginRate disables throttling.
	LoginRate  rate.Limit
	LoginBurst int
	// MaxArtifactBytes caps uploaded profile artifacts.
	MaxArtifactBytes int64
}

// DefaultRefreshCookieName is the cookie that carries the opaque refresh token.
const DefaultRefreshCookieName = "app_refresh"

// DefaultMaxArtifactBytes is used when ServerConfig.MaxArtifactBytes is zero.
const DefaultMaxArtifactBytes = 10 << 20

func (configuration ServerConfig) refreshCookieName() string {
	if configuration.RefreshCookieName == "" {
		return DefaultRefreshCookieName
	}
	return configuration.RefreshCookieName
}

// ArtifactLimit returns the effective upload cap.
func (configuration ServerConfig) ArtifactLimit() int64 {
	if configuration.MaxArtifactBytes <= 0 {
		return DefaultMaxArtifactBytes
	}
	return configuration.MaxArtifactBytes
}
