package sessionvalidator

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/learnauth/pkg/identity"
)

// Claims is the access token payload. Role and capabilities travel in the
// token so protected routes can authorize without a store lookup.
type Claims struct {
	UserID       string   `json:"user_id"`
	UserEmail    string   `json:"user_email"`
	Username     string   `json:"username"`
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities"`
	jwt.RegisteredClaims
}

// Identity returns the authorization view of the claims. Profile fields are not
// carried in tokens.
func (claims *Claims) Identity() *identity.Identity {
	if claims == nil || claims.UserID == "" {
		return nil
	}
	return &identity.Identity{
		ID:           claims.UserID,
		Username:     claims.Username,
		Email:        claims.UserEmail,
		Role:         claims.Role,
		Capabilities: append([]string(nil), claims.Capabilities...),
	}
}
