package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/google/uuid"
	"github.com/tyemirov/learnauth/pkg/identity"
)

// ErrArtifactNotFound is returned when a stored artifact reference is unknown.
var ErrArtifactNotFound = errors.New("artifacts.not_found")

// StoredArtifact is an uploaded file kept by MemoryArtifacts.
type StoredArtifact struct {
	OwnerID  string
	Kind     identity.ArtifactKind
	Filename string
	Content  []byte
}

// MemoryArtifacts keeps uploaded artifacts in process memory.
type MemoryArtifacts struct {
	mutex     sync.Mutex
	artifacts map[string]StoredArtifact
}

// NewMemoryArtifacts constructs an empty artifact store.
func NewMemoryArtifacts() *MemoryArtifacts {
	return &MemoryArtifacts{artifacts: make(map[string]StoredArtifact)}
}

// Save stores content and returns a reference of the form <kind>/<uuid>/<filename>.
func (store *MemoryArtifacts) Save(ctx context.Context, applicationUserID string, kind identity.ArtifactKind, filename string, content io.Reader) (string, error) {
	var buffer bytes.Buffer
	if _, err := buffer.ReadFrom(content); err != nil {
		return "", fmt.Errorf("artifacts.save: %w", err)
	}
	ref := path.Join(string(kind), uuid.NewString(), path.Base(filename))
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.artifacts[ref] = StoredArtifact{
		OwnerID:  applicationUserID,
		Kind:     kind,
		Filename: path.Base(filename),
		Content:  buffer.Bytes(),
	}
	return ref, nil
}

// Delete removes the referenced artifact.
func (store *MemoryArtifacts) Delete(ctx context.Context, ref string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, ok := store.artifacts[ref]; !ok {
		return fmt.Errorf("artifacts.delete: %w", ErrArtifactNotFound)
	}
	delete(store.artifacts, ref)
	return nil
}

// Lookup returns the stored artifact for ref.
func (store *MemoryArtifacts) Lookup(ref string) (StoredArtifact, bool) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	artifact, ok := store.artifacts[ref]
	return artifact, ok
}
