package authkit

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/learnauth/pkg/identity"
	"github.com/tyemirov/learnauth/pkg/sessionvalidator"
)

// accessTokenClockSkew backdates nbf so a client whose clock runs slightly
// behind the backend can use a token immediately.
const accessTokenClockSkew = 30 * time.Second

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a Clock backed by time.Now.
func NewSystemClock() Clock {
	return systemClock{}
}

var errAccessTokenWithoutSubject = errors.New("access_token.mint: identity has no id")

// MintAccessToken signs an HS256 access token for subject. The token carries the
// role and capabilities the permission checks read, so a client can authorize
// without another round trip.
func MintAccessToken(clock Clock, subject identity.Identity, issuer string, signingKey []byte, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(subject.ID) == "" {
		return "", time.Time{}, errAccessTokenWithoutSubject
	}
	issuedAt := clock.Now().UTC()
	expiresAt := issuedAt.Add(ttl)
	claims := sessionvalidator.Claims{
		UserID:       subject.ID,
		UserEmail:    subject.Email,
		Username:     subject.Username,
		Role:         subject.Role,
		Capabilities: append([]string(nil), subject.Capabilities...),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject.ID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-accessTokenClockSkew)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, signErr := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if signErr != nil {
		return "", time.Time{}, signErr
	}
	return signed, expiresAt, nil
}
