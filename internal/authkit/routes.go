package authkit

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/learnauth/internal/metrics"
	"github.com/tyemirov/learnauth/pkg/identity"
	"go.uber.org/zap"
)

// Events recorded by the auth routes.
const (
	EventLoginSuccess     = "auth.login.success"
	EventLoginFailure     = "auth.login.failure"
	EventLoginThrottled   = "auth.login.throttled"
	EventRegisterSuccess  = "auth.register.success"
	EventGoogleSuccess    = "auth.google.success"
	EventGoogleFailure    = "auth.google.failure"
	EventRefreshSuccess   = "auth.refresh.success"
	EventRefreshFailure   = "auth.refresh.failure"
	EventRefreshReuse     = "auth.refresh.reuse"
	EventLogout           = "auth.logout"
	refreshCookiePath     = "/auth"
	bearerTokenTypeString = "Bearer"
)

var (
	errMissingUserStore    = errors.New("authkit.missing_user_store")
	errMissingRefreshStore = errors.New("authkit.missing_refresh_store")
	errMissingSigningKey   = errors.New("authkit.missing_signing_key")
	errMissingIssuer       = errors.New("authkit.missing_issuer")
)

// AuthDependencies are the collaborators behind the /auth routes.
type AuthDependencies struct {
	Users         UserStore
	RefreshTokens RefreshTokenStore
	// Nonces and GoogleValidator are optional; without them Google sign-in answers 503.
	Nonces          NonceStore
	GoogleValidator GoogleTokenValidator
	Clock           Clock
	Logger          *zap.Logger
	Metrics         metrics.Recorder
}

type sessionResponse struct {
	AccessToken string            `json:"access_token"`
	TokenType   string            `json:"token_type"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Identity    identity.Identity `json:"identity"`
}

type authRoutes struct {
	configuration ServerConfig
	dependencies  AuthDependencies
	loginLimiter  *clientLimiter
}

// MountAuthRoutes registers /auth/login, /auth/register, /auth/nonce, /auth/google,
// /auth/refresh, and /auth/logout.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, dependencies AuthDependencies) error {
	switch {
	case dependencies.Users == nil:
		return errMissingUserStore
	case dependencies.RefreshTokens == nil:
		return errMissingRefreshStore
	case len(configuration.AppJWTSigningKey) == 0:
		return errMissingSigningKey
	case strings.TrimSpace(configuration.AppJWTIssuer) == "":
		return errMissingIssuer
	}
	if dependencies.Clock == nil {
		dependencies.Clock = NewSystemClock()
	}
	if dependencies.Logger == nil {
		dependencies.Logger = zap.NewNop()
	}
	if dependencies.Metrics == nil {
		dependencies.Metrics = metrics.Nop{}
	}
	routes := &authRoutes{
		configuration: configuration,
		dependencies:  dependencies,
		loginLimiter:  newClientLimiter(configuration.LoginRate, configuration.LoginBurst),
	}

	router.POST("/auth/login", routes.handleLogin)
	router.POST("/auth/register", routes.handleRegister)
	router.POST("/auth/nonce", routes.handleNonce)
	router.POST("/auth/google", routes.handleGoogle)
	router.POST("/auth/refresh", routes.handleRefresh)
	router.POST("/auth/logout", routes.handleLogout)
	return nil
}

func (routes *authRoutes) handleLogin(contextGin *gin.Context) {
	if allowed, retryAfter := routes.loginLimiter.Allow(contextGin.ClientIP()); !allowed {
		routes.dependencies.Metrics.Increment(EventLoginThrottled)
		contextGin.Header("Retry-After", retryAfterSeconds(retryAfter))
		RespondError(contextGin, http.StatusTooManyRequests, "rate_limited", "Too many sign-in attempts. Try again shortly.")
		return
	}
	var inbound struct {
		Identifier string `json:"identifier" binding:"required"`
		Secret     string `json:"secret" binding:"required"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		RespondError(contextGin, http.StatusBadRequest, "invalid_request", "Email and password are required.")
		return
	}
	subject, authErr := routes.dependencies.Users.Authenticate(contextGin, strings.TrimSpace(inbound.Identifier), inbound.Secret)
	if authErr != nil {
		routes.dependencies.Metrics.Increment(EventLoginFailure)
		if errors.Is(authErr, ErrInvalidCredentials) || errors.Is(authErr, ErrUserNotFound) {
			RespondError(contextGin, http.StatusUnauthorized, "invalid_credentials", "Invalid email or password.")
			return
		}
		routes.dependencies.Logger.Error("login failed",
			zap.String("code", "auth.login.store_error"),
			zap.Error(authErr))
		RespondError(contextGin, http.StatusInternalServerError, "internal_error", "Sign-in is temporarily unavailable.")
		return
	}
	if routes.issueSession(contextGin, http.StatusOK, subject) {
		routes.dependencies.Metrics.Increment(EventLoginSuccess)
	}
}

func (routes *authRoutes) handleRegister(contextGin *gin.Context) {
	var inbound struct {
		Name       string `json:"name" binding:"required,max=128"`
		Identifier string `json:"identifier" binding:"required,email"`
		Secret     string `json:"secret" binding:"required,min=8"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		RespondError(contextGin, http.StatusBadRequest, "invalid_request", "Name, a valid email, and a password of at least 8 characters are required.")
		return
	}
	subject, registerErr := routes.dependencies.Users.Register(contextGin, strings.TrimSpace(inbound.Name), strings.TrimSpace(inbound.Identifier), inbound.Secret)
	if registerErr != nil {
		if errors.Is(registerErr, ErrUserExists) {
			RespondError(contextGin, http.StatusConflict, "user_exists", "An account with this email already exists.")
			return
		}
		routes.dependencies.Logger.Error("registration failed",
			zap.String("code", "auth.register.store_error"),
			zap.Error(registerErr))
		RespondError(contextGin, http.StatusInternalServerError, "internal_error", "Sign-up is temporarily unavailable.")
		return
	}
	if routes.issueSession(contextGin, http.StatusCreated, subject) {
		routes.dependencies.Metrics.Increment(EventRegisterSuccess)
	}
}

func (routes *authRoutes) handleNonce(contextGin *gin.Context) {
	if routes.dependencies.Nonces == nil {
		RespondError(contextGin, http.StatusServiceUnavailable, "google_disabled", "Google sign-in is not configured.")
		return
	}
	nonce, issueErr := routes.dependencies.Nonces.Issue(contextGin)
	if issueErr != nil {
		routes.dependencies.Logger.Error("nonce issue failed",
			zap.String("code", "auth.nonce.issue_error"),
			zap.Error(issueErr))
		RespondError(contextGin, http.StatusInternalServerError, "internal_error", "Could not start Google sign-in.")
		return
	}
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, gin.H{"nonce": nonce})
}

func (routes *authRoutes) handleGoogle(contextGin *gin.Context) {
	if routes.dependencies.Nonces == nil || routes.dependencies.GoogleValidator == nil {
		RespondError(contextGin, http.StatusServiceUnavailable, "google_disabled", "Google sign-in is not configured.")
		return
	}
	var inbound struct {
		GoogleIDToken string `json:"google_id_token" binding:"required"`
		Nonce         string `json:"nonce" binding:"required"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		RespondError(contextGin, http.StatusBadRequest, "invalid_json", "Google credential and nonce are required.")
		return
	}
	if !routes.configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
		RespondError(contextGin, http.StatusBadRequest, "https_required", "Google sign-in requires HTTPS.")
		return
	}
	if consumeErr := routes.dependencies.Nonces.Consume(contextGin, inbound.Nonce); consumeErr != nil {
		routes.dependencies.Metrics.Increment(EventGoogleFailure)
		RespondError(contextGin, http.StatusUnauthorized, "invalid_nonce", "Google sign-in expired. Please try again.")
		return
	}
	payload, validateErr := routes.dependencies.GoogleValidator.Validate(contextGin, inbound.GoogleIDToken, routes.configuration.GoogleWebClientID)
	if validateErr != nil {
		routes.dependencies.Metrics.Increment(EventGoogleFailure)
		RespondError(contextGin, http.StatusUnauthorized, "invalid_google_token", "Google credential could not be verified.")
		return
	}
	googleUser, extractErr := extractGoogleIdentity(payload, inbound.Nonce)
	if extractErr != nil {
		routes.dependencies.Metrics.Increment(EventGoogleFailure)
		code := strings.TrimPrefix(extractErr.Error(), "google.")
		RespondError(contextGin, http.StatusUnauthorized, code, "Google credential could not be verified.")
		return
	}
	subject, upsertErr := routes.dependencies.Users.UpsertGoogleUser(contextGin, googleUser.subject, googleUser.email, googleUser.displayName)
	if upsertErr != nil {
		routes.dependencies.Logger.Error("google user upsert failed",
			zap.String("code", "auth.google.upsert_error"),
			zap.Error(upsertErr))
		RespondError(contextGin, http.StatusInternalServerError, "internal_error", "Sign-in is temporarily unavailable.")
		return
	}
	if routes.issueSession(contextGin, http.StatusOK, subject) {
		routes.dependencies.Metrics.Increment(EventGoogleSuccess)
	}
}

func (routes *authRoutes) handleRefresh(contextGin *gin.Context) {
	refreshCookie, cookieErr := contextGin.Request.Cookie(routes.configuration.refreshCookieName())
	if cookieErr != nil || strings.TrimSpace(refreshCookie.Value) == "" {
		routes.dependencies.Metrics.Increment(EventRefreshFailure)
		RespondError(contextGin, http.StatusUnauthorized, "missing_refresh_token", "Your session has ended. Please sign in again.")
		return
	}

	applicationUserID, currentTokenID, _, validateErr := routes.dependencies.RefreshTokens.Validate(contextGin, refreshCookie.Value)
	if errors.Is(validateErr, ErrRefreshTokenReused) {
		routes.dependencies.Metrics.Increment(EventRefreshReuse)
		routes.dependencies.Logger.Warn("rotated refresh token replayed; session family revoked",
			zap.String("code", "auth.refresh.reuse"),
			zap.String("client_ip", contextGin.ClientIP()))
	}
	if validateErr != nil {
		routes.rejectRefresh(contextGin, "auth.refresh.invalid", validateErr)
		return
	}
	subject, lookupErr := routes.dependencies.Users.GetIdentity(contextGin, applicationUserID)
	if lookupErr != nil {
		routes.rejectRefresh(contextGin, "auth.refresh.unknown_user", lookupErr)
		return
	}
	// Revoke before issuing so a replayed cookie cannot start a second lineage.
	if revokeErr := routes.dependencies.RefreshTokens.Revoke(contextGin, currentTokenID); revokeErr != nil {
		routes.rejectRefresh(contextGin, "auth.refresh.revoke_failed", revokeErr)
		return
	}

	now := routes.dependencies.Clock.Now()
	accessToken, accessExpiresAt, mintErr := MintAccessToken(routes.dependencies.Clock, subject, routes.configuration.AppJWTIssuer, routes.configuration.AppJWTSigningKey, routes.configuration.AccessTTL)
	if mintErr != nil {
		routes.failInternal(contextGin, "auth.refresh.mint_failed", mintErr)
		return
	}
	refreshExpiresAt := now.Add(routes.configuration.RefreshTTL)
	_, newOpaque, issueErr := routes.dependencies.RefreshTokens.Issue(contextGin, applicationUserID, refreshExpiresAt.Unix(), currentTokenID)
	if issueErr != nil {
		routes.failInternal(contextGin, "auth.refresh.issue_failed", issueErr)
		return
	}

	routes.writeRefreshCookie(contextGin, newOpaque, refreshExpiresAt)
	routes.dependencies.Metrics.Increment(EventRefreshSuccess)
	contextGin.JSON(http.StatusOK, gin.H{
		"access_token": accessToken,
		"token_type":   bearerTokenTypeString,
		"expires_at":   accessExpiresAt,
	})
}

func (routes *authRoutes) handleLogout(contextGin *gin.Context) {
	refreshCookie, cookieErr := contextGin.Request.Cookie(routes.configuration.refreshCookieName())
	if cookieErr == nil && strings.TrimSpace(refreshCookie.Value) != "" {
		_, tokenID, _, validateErr := routes.dependencies.RefreshTokens.Validate(contextGin, refreshCookie.Value)
		if validateErr == nil && tokenID != "" {
			if revokeErr := routes.dependencies.RefreshTokens.Revoke(contextGin, tokenID); revokeErr != nil && !errors.Is(revokeErr, ErrRefreshTokenAlreadyRevoked) {
				routes.dependencies.Logger.Warn("logout revoke failed",
					zap.String("code", "auth.logout.revoke_failed"),
					zap.Error(revokeErr))
			}
		}
	}
	routes.clearRefreshCookie(contextGin)
	routes.dependencies.Metrics.Increment(EventLogout)
	contextGin.Status(http.StatusNoContent)
}

// issueSession mints an access token plus a refresh cookie and writes the session body.
func (routes *authRoutes) issueSession(contextGin *gin.Context, status int, subject identity.Identity) bool {
	accessToken, accessExpiresAt, mintErr := MintAccessToken(routes.dependencies.Clock, subject, routes.configuration.AppJWTIssuer, routes.configuration.AppJWTSigningKey, routes.configuration.AccessTTL)
	if mintErr != nil {
		routes.failInternal(contextGin, "auth.session.mint_failed", mintErr)
		return false
	}
	refreshExpiresAt := routes.dependencies.Clock.Now().Add(routes.configuration.RefreshTTL)
	_, refreshOpaque, issueErr := routes.dependencies.RefreshTokens.Issue(contextGin, subject.ID, refreshExpiresAt.Unix(), "")
	if issueErr != nil || strings.TrimSpace(refreshOpaque) == "" {
		routes.failInternal(contextGin, "auth.session.refresh_issue_failed", issueErr)
		return false
	}
	routes.writeRefreshCookie(contextGin, refreshOpaque, refreshExpiresAt)
	contextGin.JSON(status, sessionResponse{
		AccessToken: accessToken,
		TokenType:   bearerTokenTypeString,
		ExpiresAt:   accessExpiresAt,
		Identity:    subject,
	})
	return true
}

func (routes *authRoutes) rejectRefresh(contextGin *gin.Context, code string, cause error) {
	routes.dependencies.Metrics.Increment(EventRefreshFailure)
	routes.dependencies.Logger.Info("refresh rejected",
		zap.String("code", code),
		zap.Error(cause))
	routes.clearRefreshCookie(contextGin)
	RespondError(contextGin, http.StatusUnauthorized, "invalid_refresh_token", "Your session has ended. Please sign in again.")
}

func (routes *authRoutes) failInternal(contextGin *gin.Context, code string, cause error) {
	routes.dependencies.Logger.Error("auth route failure",
		zap.String("code", code),
		zap.Error(cause))
	RespondError(contextGin, http.StatusInternalServerError, "internal_error", "Something went wrong. Please try again.")
}

func (routes *authRoutes) writeRefreshCookie(contextGin *gin.Context, opaque string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     routes.configuration.refreshCookieName(),
		Value:    opaque,
		Path:     refreshCookiePath,
		Domain:   routes.configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   !routes.configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: routes.configuration.SameSiteMode,
	})
}

func (routes *authRoutes) clearRefreshCookie(contextGin *gin.Context) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     routes.configuration.refreshCookieName(),
		Value:    "",
		Path:     refreshCookiePath,
		Domain:   routes.configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !routes.configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: routes.configuration.SameSiteMode,
	})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	if strings.EqualFold(request.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	return splitErr == nil && host == "localhost"
}
