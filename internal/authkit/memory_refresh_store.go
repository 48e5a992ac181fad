package authkit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryRefreshTokenStore keeps refresh tokens in process memory. Tokens do not
// survive a restart, so it suits tests and single-node development.
type MemoryRefreshTokenStore struct {
	mutex    sync.Mutex
	records  map[string]*memoryRefreshRecord
	byDigest map[string]string
	now      func() time.Time
	tokens   opaqueTokens
}

type memoryRefreshRecord struct {
	tokenID         string
	userID          string
	digest          string
	familyID        string
	previousTokenID string
	expiresUnix     int64
	revokedAtUnix   int64
}

// NewMemoryRefreshTokenStore returns an empty store.
func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		records:  make(map[string]*memoryRefreshRecord),
		byDigest: make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
		tokens:   secureTokens,
	}
}

// Issue mints a token for applicationUserID. A known previousTokenID places the
// new token in the same family.
func (store *MemoryRefreshTokenStore) Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	opaque, digest, mintErr := store.tokens.mintRefresh()
	if mintErr != nil {
		return "", "", fmt.Errorf("refresh_store.issue.memory: %w", mintErr)
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()
	record := &memoryRefreshRecord{
		tokenID:         newTokenID(),
		userID:          applicationUserID,
		digest:          digest,
		previousTokenID: previousTokenID,
		expiresUnix:     expiresUnix,
	}
	record.familyID = record.tokenID
	if previous, ok := store.records[previousTokenID]; ok {
		record.familyID = previous.familyID
	}
	store.records[record.tokenID] = record
	store.byDigest[digest] = record.tokenID
	return record.tokenID, opaque, nil
}

// Validate resolves an opaque token. Presenting a revoked token revokes every
// live token in its family.
func (store *MemoryRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, int64, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return "", "", 0, fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenEmptyOpaque)
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()
	record := store.records[store.byDigest[digestOpaque(tokenOpaque)]]
	if record == nil {
		return "", "", 0, fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenNotFound)
	}
	if record.revokedAtUnix != 0 {
		if store.revokeFamilyLocked(record.familyID) > 0 {
			return "", "", 0, fmt.Errorf("refresh_store.validate.memory: %w: %w", ErrRefreshTokenReused, ErrRefreshTokenRevoked)
		}
		return "", "", 0, fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenRevoked)
	}
	if record.expiresUnix < store.now().Unix() {
		return "", "", 0, fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenExpired)
	}
	return record.userID, record.tokenID, record.expiresUnix, nil
}

// Revoke marks tokenID revoked.
func (store *MemoryRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record := store.records[tokenID]
	switch {
	case record == nil:
		return fmt.Errorf("refresh_store.revoke.memory: %w", ErrRefreshTokenNotFound)
	case record.revokedAtUnix != 0:
		return fmt.Errorf("refresh_store.revoke.memory: %w", ErrRefreshTokenAlreadyRevoked)
	}
	record.revokedAtUnix = store.now().Unix()
	return nil
}

// PurgeExpired drops tokens that expired before cutoff.
func (store *MemoryRefreshTokenStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var removed int64
	for tokenID, record := range store.records {
		if record.expiresUnix < cutoff.Unix() {
			delete(store.byDigest, record.digest)
			delete(store.records, tokenID)
			removed++
		}
	}
	return removed, nil
}

func (store *MemoryRefreshTokenStore) revokeFamilyLocked(familyID string) int {
	revokedAt := store.now().Unix()
	revoked := 0
	for _, record := range store.records {
		if record.familyID == familyID && record.revokedAtUnix == 0 {
			record.revokedAtUnix = revokedAt
			revoked++
		}
	}
	return revoked
}
