package credentials

import (
	"context"
	"sync"

	"github.com/tyemirov/learnauth/pkg/identity"
)

// MemoryStore keeps the record in process memory. Intended for tests and short-lived tools.
type MemoryStore struct {
	mutex  sync.RWMutex
	record Record
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Get returns a copy of the stored record.
func (store *MemoryStore) Get(ctx context.Context) (Record, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return copyRecord(store.record), nil
}

// Set replaces the token and identity together.
func (store *MemoryStore) Set(ctx context.Context, accessToken string, subject identity.Identity) error {
	if err := validateToken(accessToken); err != nil {
		return err
	}
	cloned := subject.Clone()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.record = Record{AccessToken: accessToken, Identity: &cloned}
	return nil
}

// SetToken swaps the token, keeping the stored identity.
func (store *MemoryStore) SetToken(ctx context.Context, accessToken string) error {
	if err := validateToken(accessToken); err != nil {
		return err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.record.Identity == nil {
		return ErrNoIdentity
	}
	store.record = Record{AccessToken: accessToken, Identity: store.record.Identity}
	return nil
}

// SetIdentity swaps the identity, keeping the stored token.
func (store *MemoryStore) SetIdentity(ctx context.Context, subject identity.Identity) error {
	cloned := subject.Clone()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := checkIdentityReplacement(store.record, subject); err != nil {
		return err
	}
	store.record = Record{AccessToken: store.record.AccessToken, Identity: &cloned}
	return nil
}

// Clear removes the record.
func (store *MemoryStore) Clear(ctx context.Context) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.record = Record{}
	return nil
}

func copyRecord(record Record) Record {
	if record.Identity == nil {
		return Record{AccessToken: record.AccessToken}
	}
	cloned := record.Identity.Clone()
	return Record{AccessToken: record.AccessToken, Identity: &cloned}
}
