package authkit

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/api/idtoken"
)

// GoogleTokenValidator verifies Google ID tokens against an audience.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator builds the production validator backed by Google's published keys.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

var (
	errGoogleIssuer     = errors.New("google.invalid_issuer")
	errGoogleUnverified = errors.New("google.unverified_identity")
	errGoogleNonce      = errors.New("google.nonce_mismatch")
)

type googleIdentity struct {
	subject     string
	email       string
	displayName string
}

func extractGoogleIdentity(payload *idtoken.Payload, expectedNonce string) (googleIdentity, error) {
	if payload == nil {
		return googleIdentity{}, errGoogleUnverified
	}
	issuerValue, _ := payload.Claims["iss"].(string)
	if issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com" {
		return googleIdentity{}, errGoogleIssuer
	}
	nonceClaim, _ := payload.Claims["nonce"].(string)
	if strings.TrimSpace(expectedNonce) == "" || nonceClaim != expectedNonce {
		return googleIdentity{}, errGoogleNonce
	}
	googleSub, _ := payload.Claims["sub"].(string)
	userEmail, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	userDisplayName, _ := payload.Claims["name"].(string)
	if googleSub == "" || userEmail == "" || !emailVerified {
		return googleIdentity{}, errGoogleUnverified
	}
	return googleIdentity{subject: googleSub, email: userEmail, displayName: userDisplayName}, nil
}
