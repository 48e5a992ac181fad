package web

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tyemirov/learnauth/internal/authkit"
	"github.com/tyemirov/learnauth/pkg/identity"
	"github.com/tyemirov/learnauth/pkg/permission"
	"golang.org/x/crypto/bcrypt"
)

// passwordHashCost is lowered by tests to keep hashing fast.
var passwordHashCost = bcrypt.DefaultCost

// InMemoryUsers is a user directory used for demo and local runs.
// Capabilities are derived from the role catalog on every read so role edits apply immediately.
type InMemoryUsers struct {
	mutex    sync.RWMutex
	catalog  *permission.Catalog
	accounts map[string]*userAccount
	byEmail  map[string]string
	byGoogle map[string]string
}

type userAccount struct {
	subject      identity.Identity
	passwordHash []byte
}

// NewInMemoryUsers constructs an empty directory resolving capabilities through catalog.
func NewInMemoryUsers(catalog *permission.Catalog) *InMemoryUsers {
	if catalog == nil {
		catalog = permission.DefaultCatalog()
	}
	return &InMemoryUsers{
		catalog:  catalog,
		accounts: make(map[string]*userAccount),
		byEmail:  make(map[string]string),
		byGoogle: make(map[string]string),
	}
}

// Catalog exposes the role catalog backing the directory.
func (store *InMemoryUsers) Catalog() *permission.Catalog {
	return store.catalog
}

// Authenticate verifies the email and secret pair.
func (store *InMemoryUsers) Authenticate(ctx context.Context, identifier string, secret string) (identity.Identity, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	accountID, ok := store.byEmail[normalizeEmail(identifier)]
	if !ok {
		return identity.Identity{}, authkit.ErrInvalidCredentials
	}
	account := store.accounts[accountID]
	if len(account.passwordHash) == 0 {
		return identity.Identity{}, authkit.ErrInvalidCredentials
	}
	if compareErr := bcrypt.CompareHashAndPassword(account.passwordHash, []byte(secret)); compareErr != nil {
		return identity.Identity{}, authkit.ErrInvalidCredentials
	}
	return store.resolveLocked(account), nil
}

// Register creates a client account.
func (store *InMemoryUsers) Register(ctx context.Context, name string, email string, secret string) (identity.Identity, error) {
	return store.CreateUser(ctx, name, email, secret, identity.RoleClient)
}

// CreateUser creates an account with an explicit role; used to seed administrators.
func (store *InMemoryUsers) CreateUser(ctx context.Context, name string, email string, secret string, role string) (identity.Identity, error) {
	if _, known := store.catalog.Lookup(role); !known {
		return identity.Identity{}, fmt.Errorf("users.create: %q: %w", role, permission.ErrUnknownRole)
	}
	passwordHash, hashErr := bcrypt.GenerateFromPassword([]byte(secret), passwordHashCost)
	if hashErr != nil {
		return identity.Identity{}, fmt.Errorf("users.create: %w", hashErr)
	}
	normalizedEmail := normalizeEmail(email)

	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.byEmail[normalizedEmail]; exists {
		return identity.Identity{}, authkit.ErrUserExists
	}
	account := &userAccount{
		subject: identity.Identity{
			ID:       uuid.NewString(),
			Username: strings.TrimSpace(name),
			Email:    normalizedEmail,
			Role:     role,
		},
		passwordHash: passwordHash,
	}
	store.accounts[account.subject.ID] = account
	store.byEmail[normalizedEmail] = account.subject.ID
	return store.resolveLocked(account), nil
}

// UpsertGoogleUser links a Google subject to an account, creating one on first sign-in.
func (store *InMemoryUsers) UpsertGoogleUser(ctx context.Context, googleSub string, userEmail string, userDisplayName string) (identity.Identity, error) {
	normalizedEmail := normalizeEmail(userEmail)
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if accountID, linked := store.byGoogle[googleSub]; linked {
		return store.resolveLocked(store.accounts[accountID]), nil
	}
	if accountID, exists := store.byEmail[normalizedEmail]; exists {
		store.byGoogle[googleSub] = accountID
		return store.resolveLocked(store.accounts[accountID]), nil
	}
	account := &userAccount{subject: identity.Identity{
		ID:       uuid.NewString(),
		Username: strings.TrimSpace(userDisplayName),
		Email:    normalizedEmail,
		Role:     identity.RoleClient,
	}}
	store.accounts[account.subject.ID] = account
	store.byEmail[normalizedEmail] = account.subject.ID
	store.byGoogle[googleSub] = account.subject.ID
	return store.resolveLocked(account), nil
}

// GetIdentity returns the current identity of an account.
func (store *InMemoryUsers) GetIdentity(ctx context.Context, applicationUserID string) (identity.Identity, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	account, ok := store.accounts[applicationUserID]
	if !ok {
		return identity.Identity{}, authkit.ErrUserNotFound
	}
	return store.resolveLocked(account), nil
}

// UpdateProfile applies the non-nil fields of update.
func (store *InMemoryUsers) UpdateProfile(ctx context.Context, applicationUserID string, update identity.ProfileUpdate) (identity.Identity, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, ok := store.accounts[applicationUserID]
	if !ok {
		return identity.Identity{}, authkit.ErrUserNotFound
	}
	if update.Username != nil {
		requested := strings.TrimSpace(*update.Username)
		for otherID, other := range store.accounts {
			if otherID != applicationUserID && strings.EqualFold(other.subject.Username, requested) {
				return identity.Identity{}, authkit.ErrUsernameTaken
			}
		}
		account.subject.Username = requested
	}
	if update.Bio != nil {
		account.subject.Profile.Bio = *update.Bio
	}
	if update.Links != nil {
		account.subject.Profile.Links = append([]string(nil), update.Links...)
	}
	return store.resolveLocked(account), nil
}

// SetArtifactRef records ref for kind and returns the replaced reference.
func (store *InMemoryUsers) SetArtifactRef(ctx context.Context, applicationUserID string, kind identity.ArtifactKind, ref string) (identity.Identity, string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, ok := store.accounts[applicationUserID]
	if !ok {
		return identity.Identity{}, "", authkit.ErrUserNotFound
	}
	previous := account.subject.ArtifactRef(kind)
	switch kind {
	case identity.ArtifactResume:
		account.subject.Profile.ResumeRef = ref
	case identity.ArtifactPicture:
		account.subject.Profile.PictureRef = ref
	default:
		return identity.Identity{}, "", identity.ErrUnknownArtifactKind
	}
	return store.resolveLocked(account), previous, nil
}

// ListIdentities returns every account ordered by email.
func (store *InMemoryUsers) ListIdentities(ctx context.Context) ([]identity.Identity, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	identities := make([]identity.Identity, 0, len(store.accounts))
	for _, account := range store.accounts {
		identities = append(identities, store.resolveLocked(account))
	}
	sort.Slice(identities, func(left, right int) bool {
		return identities[left].Email < identities[right].Email
	})
	return identities, nil
}

// AssignRole moves an account to another catalog role.
func (store *InMemoryUsers) AssignRole(ctx context.Context, applicationUserID string, role string) (identity.Identity, error) {
	if _, known := store.catalog.Lookup(role); !known {
		return identity.Identity{}, fmt.Errorf("users.assign_role: %q: %w", role, permission.ErrUnknownRole)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, ok := store.accounts[applicationUserID]
	if !ok {
		return identity.Identity{}, authkit.ErrUserNotFound
	}
	account.subject.Role = role
	return store.resolveLocked(account), nil
}

func (store *InMemoryUsers) resolveLocked(account *userAccount) identity.Identity {
	resolved := account.subject.Clone()
	resolved.Capabilities = store.catalog.CapabilitiesFor(resolved.Role)
	if resolved.Capabilities == nil {
		resolved.Capabilities = []string{}
	}
	return resolved
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
