package authkit

import (
	"context"
	"errors"
	"io"

	"github.com/tyemirov/learnauth/pkg/identity"
)

var (
	// ErrInvalidCredentials indicates the identifier/secret pair did not match an account.
	ErrInvalidCredentials = errors.New("users.invalid_credentials")
	// ErrUserExists indicates a registration for an identifier that is already taken.
	ErrUserExists = errors.New("users.already_exists")
	// ErrUserNotFound indicates no account matched the lookup.
	ErrUserNotFound = errors.New("users.not_found")
	// ErrUsernameTaken indicates a profile update requested a username held by another account.
	ErrUsernameTaken = errors.New("users.username_taken")

	ErrRefreshTokenNotFound       = errors.New("refresh_store.not_found")
	ErrRefreshTokenRevoked        = errors.New("refresh_store.revoked")
	ErrRefreshTokenExpired        = errors.New("refresh_store.expired")
	ErrRefreshTokenAlreadyRevoked = errors.New("refresh_store.already_revoked")
	ErrRefreshTokenEmptyOpaque    = errors.New("refresh_store.empty_token")
	// ErrRefreshTokenReused accompanies ErrRefreshTokenRevoked when a rotated token is
	// presented while a later token of its family was still live. The family is
	// revoked before the error is returned.
	ErrRefreshTokenReused = errors.New("refresh_store.reused")
)

// UserStore persists and retrieves application accounts.
type UserStore interface {
	Authenticate(ctx context.Context, identifier string, secret string) (identity.Identity, error)
	Register(ctx context.Context, name string, email string, secret string) (identity.Identity, error)
	UpsertGoogleUser(ctx context.Context, googleSub string, userEmail string, userDisplayName string) (identity.Identity, error)
	GetIdentity(ctx context.Context, applicationUserID string) (identity.Identity, error)
	UpdateProfile(ctx context.Context, applicationUserID string, update identity.ProfileUpdate) (identity.Identity, error)
	// SetArtifactRef stores ref for kind and returns the updated identity together with the replaced ref.
	SetArtifactRef(ctx context.Context, applicationUserID string, kind identity.ArtifactKind, ref string) (identity.Identity, string, error)
	ListIdentities(ctx context.Context) ([]identity.Identity, error)
}

// RefreshTokenStore manages long-lived refresh tokens. A token issued with a
// previousTokenID joins that token's family; a login starts a new family.
type RefreshTokenStore interface {
	Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (tokenID string, tokenOpaque string, err error)
	Validate(ctx context.Context, tokenOpaque string) (applicationUserID string, tokenID string, expiresUnix int64, err error)
	Revoke(ctx context.Context, tokenID string) error
}

// ArtifactStore keeps uploaded profile artifacts.
type ArtifactStore interface {
	Save(ctx context.Context, applicationUserID string, kind identity.ArtifactKind, filename string, content io.Reader) (ref string, err error)
	Delete(ctx context.Context, ref string) error
}
