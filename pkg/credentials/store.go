// Package credentials persists the current access token together with the
// last-known identity so a session survives a process restart.
//
// Every backend writes the token and identity as one record: readers observe
// either the previous pair or the new pair, never a mix of the two.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tyemirov/learnauth/pkg/identity"
)

// DefaultProfile names the record used when a backend is opened without an explicit profile.
const DefaultProfile = "default"

var (
	// ErrNoIdentity indicates SetToken was called while no identity is stored.
	ErrNoIdentity = errors.New("credentials.no_identity")
	// ErrNoSession indicates SetIdentity was called while no access token is stored.
	ErrNoSession = errors.New("credentials.no_session")
	// ErrIdentityMismatch indicates SetIdentity was given an identity for another account.
	ErrIdentityMismatch = errors.New("credentials.identity_mismatch")
	// ErrEmptyToken indicates an attempt to persist an empty access token.
	ErrEmptyToken = errors.New("credentials.empty_token")
	// ErrUnsupportedScheme indicates Open received a URL whose scheme has no backend.
	ErrUnsupportedScheme = errors.New("credentials.unsupported_scheme")
	// ErrCorruptRecord indicates the persisted record could not be decoded.
	ErrCorruptRecord = errors.New("credentials.corrupt_record")
)

// Record is the persisted session pair.
type Record struct {
	AccessToken string             `json:"access_token"`
	Identity    *identity.Identity `json:"identity,omitempty"`
}

// IsEmpty reports whether neither a token nor an identity is stored.
func (record Record) IsEmpty() bool {
	return record.AccessToken == "" && record.Identity == nil
}

// IsComplete reports whether both a token and an identity are stored.
func (record Record) IsComplete() bool {
	return record.AccessToken != "" && record.Identity != nil
}

// Store is the only sanctioned way to read or write persisted session data.
type Store interface {
	// Get returns the stored record; an empty store yields a zero Record and no error.
	Get(ctx context.Context) (Record, error)
	// Set replaces the token and identity together.
	Set(ctx context.Context, accessToken string, subject identity.Identity) error
	// SetToken swaps the access token while keeping the stored identity.
	SetToken(ctx context.Context, accessToken string) error
	// SetIdentity swaps the identity while keeping the stored token. It never
	// recreates a cleared session: with no token stored it fails with ErrNoSession.
	SetIdentity(ctx context.Context, subject identity.Identity) error
	// Clear removes the record. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
}

// Open selects a backend from the URL scheme:
// memory://, file:///path/to/session.json, sqlite://..., postgres://..., redis://host:port/db.
func Open(ctx context.Context, storeURL string) (Store, error) {
	trimmed := strings.TrimSpace(storeURL)
	if trimmed == "" || trimmed == "memory://" {
		return NewMemoryStore(), nil
	}
	parsed, parseErr := url.Parse(trimmed)
	if parseErr != nil {
		return nil, fmt.Errorf("credentials.open.parse_url: %w", parseErr)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		path := parsed.Path
		if parsed.Opaque != "" {
			path = parsed.Opaque
		}
		return NewFileStore(path)
	case "sqlite", "sqlite3", "postgres", "postgresql":
		return NewDatabaseStore(ctx, trimmed, DefaultProfile)
	case "redis", "rediss":
		return NewRedisStoreFromURL(trimmed, DefaultProfile)
	default:
		return nil, fmt.Errorf("credentials.open.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedScheme)
	}
}

func validateToken(accessToken string) error {
	if strings.TrimSpace(accessToken) == "" {
		return ErrEmptyToken
	}
	return nil
}

// checkIdentityReplacement reports whether subject may replace the identity held in current.
func checkIdentityReplacement(current Record, subject identity.Identity) error {
	if current.AccessToken == "" {
		return ErrNoSession
	}
	if current.Identity != nil && current.Identity.ID != subject.ID {
		return ErrIdentityMismatch
	}
	return nil
}
