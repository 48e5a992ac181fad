package sessionvalidator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/learnauth/pkg/identity"
)

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_claims"

// Error codes written by GinMiddleware.
const (
	CodeTokenExpired = "token_expired"
	CodeMissingToken = "missing_token"
	CodeInvalidToken = "invalid_token"
)

// bearerToken extracts the credential from an "Authorization: Bearer <token>" value.
func bearerToken(headerValue string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(headerValue), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// GinMiddleware authenticates the bearer token and stores the claims under
// contextKey. Rejections carry a JSON error code and an RFC 6750 challenge.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		token, found := bearerToken(contextGin.GetHeader("Authorization"))
		if !found {
			rejectBearer(contextGin, CodeMissingToken, "Authentication is required.")
			return
		}
		claims, validateErr := validator.ValidateToken(token)
		switch {
		case errors.Is(validateErr, ErrTokenExpired):
			rejectBearer(contextGin, CodeTokenExpired, "Access token expired.")
			return
		case validateErr != nil:
			rejectBearer(contextGin, CodeInvalidToken, "Access token is invalid.")
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}

func rejectBearer(contextGin *gin.Context, code string, message string) {
	challenge := `Bearer realm="learnauth"`
	if code != CodeMissingToken {
		challenge = fmt.Sprintf(`Bearer realm="learnauth", error="invalid_token", error_description=%q`, message)
	}
	contextGin.Header("WWW-Authenticate", challenge)
	contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": code, "message": message})
}

// ClaimsFromContext returns the claims stored by GinMiddleware under contextKey.
func ClaimsFromContext(contextGin *gin.Context, contextKey string) (*Claims, bool) {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	claims, ok := contextGin.Value(contextKey).(*Claims)
	return claims, ok && claims != nil
}

// IdentityLookup adapts ClaimsFromContext to the lookup the permission middleware takes.
func IdentityLookup(contextKey string) func(contextGin *gin.Context) (*identity.Identity, bool) {
	return func(contextGin *gin.Context) (*identity.Identity, bool) {
		claims, found := ClaimsFromContext(contextGin, contextKey)
		if !found {
			return nil, false
		}
		subject := claims.Identity()
		return subject, subject != nil
	}
}
