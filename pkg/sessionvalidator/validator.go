// Package sessionvalidator verifies the HS256 access tokens minted by the auth
// routes and exposes the bearer identity to Gin handlers.
package sessionvalidator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Validator.
type Config struct {
	SigningKey []byte
	Issuer     string
	Clock      Clock
}

var (
	ErrMissingSigningKey = errors.New("session.validator.missing_signing_key")
	ErrMissingIssuer     = errors.New("session.validator.missing_issuer")
	ErrMissingToken      = errors.New("session.validator.missing_token")
	ErrInvalidToken      = errors.New("session.validator.invalid_token")
	ErrInvalidIssuer     = errors.New("session.validator.invalid_issuer")
	// ErrTokenExpired is what a client reacts to by renewing and replaying the request.
	ErrTokenExpired = errors.New("session.validator.expired")
)

// Validator checks bearer access tokens against one signing key and issuer.
type Validator struct {
	signingKey []byte
	issuer     string
	clock      Clock
	parser     *jwt.Parser
}

// New returns a Validator for configuration. A nil Clock uses the system clock.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingIssuer)
	}
	validator := &Validator{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		clock:      configuration.Clock,
	}
	if validator.clock == nil {
		validator.clock = systemClock{}
	}
	validator.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return validator.clock.Now() }),
	)
	return validator, nil
}

// ValidateToken verifies signature, expiry, not-before and issuer, and returns the claims.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, validationError(ErrMissingToken)
	}
	claims := &Claims{}
	_, parseErr := validator.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return validator.signingKey, nil
	})
	switch {
	case errors.Is(parseErr, jwt.ErrTokenExpired):
		return nil, validationError(ErrTokenExpired)
	case parseErr != nil, claims.UserID == "":
		return nil, validationError(ErrInvalidToken)
	case claims.Issuer != validator.issuer:
		return nil, validationError(ErrInvalidIssuer)
	}
	return claims, nil
}

func validationError(sentinel error) error {
	return fmt.Errorf("session.validator.validate_token: %w", sentinel)
}
