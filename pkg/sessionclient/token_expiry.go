package sessionclient

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpiryWindow peeks at the unverified exp claim of a JWT access token.
// The signature is never checked here; the server remains the authority.
type tokenExpiryWindow struct {
	window time.Duration
	now    func() time.Time
}

func (expiryWindow tokenExpiryWindow) expiresSoon(accessToken string) bool {
	if expiryWindow.window <= 0 {
		return false
	}
	expiresAt, ok := tokenExpiry(accessToken)
	if !ok {
		return false
	}
	return !expiryWindow.now().Add(expiryWindow.window).Before(expiresAt)
}

func tokenExpiry(accessToken string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, parseErr := jwt.NewParser().ParseUnverified(accessToken, claims); parseErr != nil {
		return time.Time{}, false
	}
	expiresAt, claimErr := claims.GetExpirationTime()
	if claimErr != nil || expiresAt == nil {
		return time.Time{}, false
	}
	return expiresAt.Time, true
}
