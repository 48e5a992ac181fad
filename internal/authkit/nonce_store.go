package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNonceNotFound = errors.New("nonce_store.not_found")
	ErrNonceExpired  = errors.New("nonce_store.expired")
)

const (
	nonceByteLength = 32
	// DefaultNonceTTL bounds how long a Google sign-in may take between
	// POST /auth/nonce and POST /auth/google.
	DefaultNonceTTL   = 5 * time.Minute
	redisNonceKeyBase = "learnauth:nonce:"
)

// NonceStore issues single-use nonces that bind a Google ID token to the
// sign-in attempt that requested it.
type NonceStore interface {
	Issue(ctx context.Context) (string, error)
	// Consume invalidates token. Unknown, used and expired nonces are errors.
	Consume(ctx context.Context, token string) error
}

// MemoryNonceStore keeps nonces in process memory for single-replica deployments.
type MemoryNonceStore struct {
	mutex    sync.Mutex
	deadline map[string]time.Time
	ttl      time.Duration
	now      func() time.Time
	tokens   opaqueTokens
}

// NewMemoryNonceStore returns an empty store. A non-positive ttl falls back to DefaultNonceTTL.
func NewMemoryNonceStore(ttl time.Duration) *MemoryNonceStore {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &MemoryNonceStore{
		deadline: make(map[string]time.Time),
		ttl:      ttl,
		now:      time.Now,
		tokens:   secureTokens,
	}
}

func (store *MemoryNonceStore) Issue(ctx context.Context) (string, error) {
	token, mintErr := store.tokens.mint(nonceByteLength)
	if mintErr != nil {
		return "", fmt.Errorf("nonce_store.issue.memory: %w", mintErr)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	now := store.now()
	store.dropExpiredLocked(now)
	store.deadline[token] = now.Add(store.ttl)
	return token, nil
}

// Consume reports ErrNonceExpired for a nonce that is still remembered but past its
// deadline, which only happens between sweeps.
func (store *MemoryNonceStore) Consume(ctx context.Context, token string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	deadline, issued := store.deadline[token]
	if !issued {
		return ErrNonceNotFound
	}
	delete(store.deadline, token)
	if store.now().After(deadline) {
		return ErrNonceExpired
	}
	return nil
}

func (store *MemoryNonceStore) dropExpiredLocked(now time.Time) {
	for token, deadline := range store.deadline {
		if now.After(deadline) {
			delete(store.deadline, token)
		}
	}
}

// RedisNonceStore shares nonces between backend replicas. Redis evicts expired
// keys itself, so an expired nonce reports ErrNonceNotFound.
type RedisNonceStore struct {
	client *redis.Client
	ttl    time.Duration
	tokens opaqueTokens
}

// NewRedisNonceStore wraps client. A non-positive ttl falls back to DefaultNonceTTL.
func NewRedisNonceStore(client *redis.Client, ttl time.Duration) *RedisNonceStore {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &RedisNonceStore{client: client, ttl: ttl, tokens: secureTokens}
}

func (store *RedisNonceStore) Issue(ctx context.Context) (string, error) {
	token, mintErr := store.tokens.mint(nonceByteLength)
	if mintErr != nil {
		return "", fmt.Errorf("nonce_store.issue.redis: %w", mintErr)
	}
	created, setErr := store.client.SetNX(ctx, redisNonceKeyBase+token, 1, store.ttl).Result()
	switch {
	case setErr != nil:
		return "", fmt.Errorf("nonce_store.issue.redis: %w", setErr)
	case !created:
		return "", errors.New("nonce_store.issue.redis: nonce collision")
	}
	return token, nil
}

func (store *RedisNonceStore) Consume(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return ErrNonceNotFound
	}
	removed, delErr := store.client.Del(ctx, redisNonceKeyBase+token).Result()
	if delErr != nil {
		return fmt.Errorf("nonce_store.consume.redis: %w", delErr)
	}
	if removed == 0 {
		return ErrNonceNotFound
	}
	return nil
}
