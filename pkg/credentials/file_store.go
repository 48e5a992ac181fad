package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tyemirov/learnauth/pkg/identity"
)

var errEmptyFilePath = errors.New("credentials.file.empty_path")

// FileStore persists the record as a JSON document. Writes go to a temporary
// file that is renamed over the target so a crash never leaves a half-written pair.
type FileStore struct {
	mutex sync.Mutex
	path  string
}

// NewFileStore constructs a FileStore rooted at path, creating the parent directory.
func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("credentials.file.open: %w", errEmptyFilePath)
	}
	if mkdirErr := os.MkdirAll(filepath.Dir(path), 0o700); mkdirErr != nil {
		return nil, fmt.Errorf("credentials.file.open: %w", mkdirErr)
	}
	return &FileStore{path: path}, nil
}

// Path exposes the backing file location.
func (store *FileStore) Path() string {
	return store.path
}

// Get reads the record; a missing file is an empty store.
func (store *FileStore) Get(ctx context.Context) (Record, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.readLocked()
}

// Set replaces the token and identity together.
func (store *FileStore) Set(ctx context.Context, accessToken string, subject identity.Identity) error {
	if err := validateToken(accessToken); err != nil {
		return fmt.Errorf("credentials.file.set: %w", err)
	}
	cloned := subject.Clone()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.writeLocked(Record{AccessToken: accessToken, Identity: &cloned}); err != nil {
		return fmt.Errorf("credentials.file.set: %w", err)
	}
	return nil
}

// SetToken swaps the token, keeping the stored identity.
func (store *FileStore) SetToken(ctx context.Context, accessToken string) error {
	if err := validateToken(accessToken); err != nil {
		return fmt.Errorf("credentials.file.set_token: %w", err)
	}
	return store.update("set_token", func(current *Record) error {
		if current.Identity == nil {
			return ErrNoIdentity
		}
		current.AccessToken = accessToken
		return nil
	})
}

// SetIdentity swaps the identity, keeping the stored token.
func (store *FileStore) SetIdentity(ctx context.Context, subject identity.Identity) error {
	cloned := subject.Clone()
	return store.update("set_identity", func(current *Record) error {
		if err := checkIdentityReplacement(*current, subject); err != nil {
			return err
		}
		current.Identity = &cloned
		return nil
	})
}

// update applies mutate to the stored record and rewrites the file under one lock.
func (store *FileStore) update(operation string, mutate func(current *Record) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	current, readErr := store.readLocked()
	if readErr != nil {
		return fmt.Errorf("credentials.file.%s: %w", operation, readErr)
	}
	if mutateErr := mutate(&current); mutateErr != nil {
		return fmt.Errorf("credentials.file.%s: %w", operation, mutateErr)
	}
	if writeErr := store.writeLocked(current); writeErr != nil {
		return fmt.Errorf("credentials.file.%s: %w", operation, writeErr)
	}
	return nil
}

// Clear removes the backing file.
func (store *FileStore) Clear(ctx context.Context) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := os.Remove(store.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("credentials.file.clear: %w", err)
	}
	return nil
}

func (store *FileStore) readLocked() (Record, error) {
	data, readErr := os.ReadFile(store.path)
	if readErr != nil {
		if errors.Is(readErr, os.ErrNotExist) {
			return Record{}, nil
		}
		return Record{}, fmt.Errorf("credentials.file.get: %w", readErr)
	}
	var record Record
	if decodeErr := json.Unmarshal(data, &record); decodeErr != nil {
		return Record{}, fmt.Errorf("credentials.file.get: %w: %v", ErrCorruptRecord, decodeErr)
	}
	return record, nil
}

func (store *FileStore) writeLocked(record Record) error {
	encoded, encodeErr := json.Marshal(record)
	if encodeErr != nil {
		return encodeErr
	}
	temporary, createErr := os.CreateTemp(filepath.Dir(store.path), ".credentials-*")
	if createErr != nil {
		return createErr
	}
	temporaryPath := temporary.Name()
	defer func() { _ = os.Remove(temporaryPath) }()

	if _, writeErr := temporary.Write(encoded); writeErr != nil {
		_ = temporary.Close()
		return writeErr
	}
	if syncErr := temporary.Sync(); syncErr != nil {
		_ = temporary.Close()
		return syncErr
	}
	if closeErr := temporary.Close(); closeErr != nil {
		return closeErr
	}
	if chmodErr := os.Chmod(temporaryPath, 0o600); chmodErr != nil {
		return chmodErr
	}
	return os.Rename(temporaryPath, store.path)
}
