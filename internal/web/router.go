package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/learnauth/internal/authkit"
	"github.com/tyemirov/learnauth/internal/metrics"
	"github.com/tyemirov/learnauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

var errMissingAccounts = errors.New("web.router.missing_accounts")

// Accounts is the user directory the backend needs: authentication plus administration.
type Accounts interface {
	authkit.UserStore
	Directory
}

// ServerDependencies wires the complete reference backend.
type ServerDependencies struct {
	Config          authkit.ServerConfig
	Accounts        Accounts
	RefreshTokens   authkit.RefreshTokenStore
	Nonces          authkit.NonceStore
	Artifacts       authkit.ArtifactStore
	GoogleValidator authkit.GoogleTokenValidator
	Clock           authkit.Clock
	Logger          *zap.Logger
	Metrics         metrics.Recorder
	// MetricsHandler is served at /metrics when set.
	MetricsHandler http.Handler
	// AllowedOrigins enables CORS when non-empty.
	AllowedOrigins []string
	Middleware     []gin.HandlerFunc
}

// NewRouter assembles the auth, profile, admin, and operational routes.
func NewRouter(dependencies ServerDependencies) (*gin.Engine, error) {
	if dependencies.Accounts == nil {
		return nil, errMissingAccounts
	}
	if dependencies.Logger == nil {
		dependencies.Logger = zap.NewNop()
	}
	if dependencies.Artifacts == nil {
		dependencies.Artifacts = NewMemoryArtifacts()
	}
	if dependencies.Clock == nil {
		dependencies.Clock = authkit.NewSystemClock()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(dependencies.Middleware...)
	if len(dependencies.AllowedOrigins) > 0 {
		corsMiddleware, corsErr := ConfigureCORS(dependencies.Logger, dependencies.AllowedOrigins)
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
	}

	accessValidator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: dependencies.Config.AppJWTSigningKey,
		Issuer:     dependencies.Config.AppJWTIssuer,
		Clock:      dependencies.Clock,
	})
	if validatorErr != nil {
		return nil, validatorErr
	}

	if mountErr := authkit.MountAuthRoutes(router, dependencies.Config, authkit.AuthDependencies{
		Users:           dependencies.Accounts,
		RefreshTokens:   dependencies.RefreshTokens,
		Nonces:          dependencies.Nonces,
		GoogleValidator: dependencies.GoogleValidator,
		Clock:           dependencies.Clock,
		Logger:          dependencies.Logger,
		Metrics:         dependencies.Metrics,
	}); mountErr != nil {
		return nil, mountErr
	}
	if mountErr := MountProfileRoutes(router, ProfileDependencies{
		Users:            dependencies.Accounts,
		Artifacts:        dependencies.Artifacts,
		Validator:        accessValidator,
		Logger:           dependencies.Logger,
		MaxArtifactBytes: dependencies.Config.ArtifactLimit(),
	}); mountErr != nil {
		return nil, mountErr
	}
	if mountErr := MountAdminRoutes(router, AdminDependencies{
		Directory: dependencies.Accounts,
		Validator: accessValidator,
		Logger:    dependencies.Logger,
	}); mountErr != nil {
		return nil, mountErr
	}

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if dependencies.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(dependencies.MetricsHandler))
	}
	return router, nil
}
