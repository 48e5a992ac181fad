package authkit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// nonceStoreHarness pairs a store with a way to move its notion of time forward.
type nonceStoreHarness struct {
	store   NonceStore
	advance func(elapsed time.Duration)
	// expiredErr is what Consume reports for a nonce that outlived its ttl.
	expiredErr error
}

func nonceStoreHarnesses(t *testing.T) map[string]nonceStoreHarness {
	t.Helper()
	current := time.Unix(1700000000, 0)
	memory := NewMemoryNonceStore(time.Minute)
	memory.now = func() time.Time { return current }

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]nonceStoreHarness{
		"memory": {
			store:      memory,
			advance:    func(elapsed time.Duration) { current = current.Add(elapsed) },
			expiredErr: ErrNonceExpired,
		},
		"redis": {
			store:      NewRedisNonceStore(client, time.Minute),
			advance:    server.FastForward,
			expiredErr: ErrNonceNotFound,
		},
	}
}

func TestNonceStoresAreSingleUse(t *testing.T) {
	for name, harness := range nonceStoreHarnesses(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, err := harness.store.Issue(ctx)
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			second, err := harness.store.Issue(ctx)
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			if first == second || len(first) < 40 {
				t.Fatalf("expected distinct high-entropy nonces, got %q and %q", first, second)
			}

			if err := harness.store.Consume(ctx, first); err != nil {
				t.Fatalf("consume: %v", err)
			}
			if err := harness.store.Consume(ctx, first); !errors.Is(err, ErrNonceNotFound) {
				t.Fatalf("expected ErrNonceNotFound on reuse, got %v", err)
			}
			if err := harness.store.Consume(ctx, "never-issued"); !errors.Is(err, ErrNonceNotFound) {
				t.Fatalf("expected ErrNonceNotFound for a foreign nonce, got %v", err)
			}
			if err := harness.store.Consume(ctx, second); err != nil {
				t.Fatalf("an unrelated nonce must stay valid: %v", err)
			}
		})
	}
}

func TestNonceStoresExpire(t *testing.T) {
	for name, harness := range nonceStoreHarnesses(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fresh, err := harness.store.Issue(ctx)
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			harness.advance(30 * time.Second)
			if err := harness.store.Consume(ctx, fresh); err != nil {
				t.Fatalf("nonce within ttl must be accepted: %v", err)
			}

			stale, err := harness.store.Issue(ctx)
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			harness.advance(2 * time.Minute)
			if err := harness.store.Consume(ctx, stale); !errors.Is(err, harness.expiredErr) {
				t.Fatalf("expected %v, got %v", harness.expiredErr, err)
			}
		})
	}
}

func TestMemoryNonceStoreSweepsOnIssue(t *testing.T) {
	current := time.Unix(1700000000, 0)
	store := NewMemoryNonceStore(0)
	store.now = func() time.Time { return current }
	if store.ttl != DefaultNonceTTL {
		t.Fatalf("expected default ttl, got %s", store.ttl)
	}

	abandoned, err := store.Issue(context.Background())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	current = current.Add(DefaultNonceTTL + time.Second)
	if _, err := store.Issue(context.Background()); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, remembered := store.deadline[abandoned]; remembered {
		t.Fatalf("expired nonce must be swept when a new one is issued")
	}
}

func TestRedisNonceStoreKeysCarryTTL(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	token, err := NewRedisNonceStore(client, 0).Issue(context.Background())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if ttl := server.TTL(redisNonceKeyBase + token); ttl != DefaultNonceTTL {
		t.Fatalf("expected %s ttl, got %s", DefaultNonceTTL, ttl)
	}

	server.Close()
	if err := NewRedisNonceStore(client, time.Minute).Consume(context.Background(), token); err == nil || errors.Is(err, ErrNonceNotFound) {
		t.Fatalf("expected a transport error once redis is gone, got %v", err)
	}
}
