package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/tyemirov/learnauth/pkg/identity"
)

const (
	redisKeyPrefix     = "learnauth:credentials:"
	redisUpdateRetries = 5
)

// RedisStore keeps the whole record under one key so every write is a single atomic SET.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, profile string) *RedisStore {
	if profile == "" {
		profile = DefaultProfile
	}
	return &RedisStore{client: client, key: redisKeyPrefix + profile}
}

// NewRedisStoreFromURL parses a redis:// URL and constructs a store.
func NewRedisStoreFromURL(redisURL string, profile string) (*RedisStore, error) {
	options, parseErr := redis.ParseURL(redisURL)
	if parseErr != nil {
		return nil, fmt.Errorf("credentials.redis.open: %w", parseErr)
	}
	return NewRedisStore(redis.NewClient(options), profile), nil
}

// Key exposes the redis key holding the record.
func (store *RedisStore) Key() string {
	return store.key
}

// Get loads the record; a missing key is an empty store.
func (store *RedisStore) Get(ctx context.Context) (Record, error) {
	record, err := readRedisRecord(ctx, store.client, store.key)
	if err != nil {
		return Record{}, fmt.Errorf("credentials.redis.get: %w", err)
	}
	return record, nil
}

// Set replaces the record.
func (store *RedisStore) Set(ctx context.Context, accessToken string, subject identity.Identity) error {
	if err := validateToken(accessToken); err != nil {
		return fmt.Errorf("credentials.redis.set: %w", err)
	}
	encoded, encodeErr := json.Marshal(Record{AccessToken: accessToken, Identity: &subject})
	if encodeErr != nil {
		return fmt.Errorf("credentials.redis.set: %w", encodeErr)
	}
	if err := store.client.Set(ctx, store.key, encoded, 0).Err(); err != nil {
		return fmt.Errorf("credentials.redis.set: %w", err)
	}
	return nil
}

// SetToken swaps the token with an optimistic WATCH/MULTI transaction.
func (store *RedisStore) SetToken(ctx context.Context, accessToken string) error {
	if err := validateToken(accessToken); err != nil {
		return fmt.Errorf("credentials.redis.set_token: %w", err)
	}
	return store.update(ctx, "set_token", func(current *Record) error {
		if current.Identity == nil {
			return ErrNoIdentity
		}
		current.AccessToken = accessToken
		return nil
	})
}

// SetIdentity swaps the identity with an optimistic WATCH/MULTI transaction.
func (store *RedisStore) SetIdentity(ctx context.Context, subject identity.Identity) error {
	cloned := subject.Clone()
	return store.update(ctx, "set_identity", func(current *Record) error {
		if err := checkIdentityReplacement(*current, subject); err != nil {
			return err
		}
		current.Identity = &cloned
		return nil
	})
}

// update rewrites the record through mutate, retrying when another writer
// touches the key between the read and the write.
func (store *RedisStore) update(ctx context.Context, operation string, mutate func(current *Record) error) error {
	swap := func(tx *redis.Tx) error {
		current, readErr := readRedisRecord(ctx, tx, store.key)
		if readErr != nil {
			return readErr
		}
		if mutateErr := mutate(&current); mutateErr != nil {
			return mutateErr
		}
		encoded, encodeErr := json.Marshal(current)
		if encodeErr != nil {
			return encodeErr
		}
		_, pipeErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, store.key, encoded, 0)
			return nil
		})
		return pipeErr
	}
	var lastErr error
	for attempt := 0; attempt < redisUpdateRetries; attempt++ {
		lastErr = store.client.Watch(ctx, swap, store.key)
		if !errors.Is(lastErr, redis.TxFailedErr) {
			break
		}
	}
	if lastErr != nil {
		return fmt.Errorf("credentials.redis.%s: %w", operation, lastErr)
	}
	return nil
}

// Clear deletes the key.
func (store *RedisStore) Clear(ctx context.Context) error {
	if err := store.client.Del(ctx, store.key).Err(); err != nil {
		return fmt.Errorf("credentials.redis.clear: %w", err)
	}
	return nil
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Close releases the underlying client.
func (store *RedisStore) Close() error {
	return store.client.Close()
}

func readRedisRecord(ctx context.Context, reader redisGetter, key string) (Record, error) {
	data, getErr := reader.Get(ctx, key).Bytes()
	if getErr != nil {
		if errors.Is(getErr, redis.Nil) {
			return Record{}, nil
		}
		return Record{}, getErr
	}
	var record Record
	if decodeErr := json.Unmarshal(data, &record); decodeErr != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptRecord, decodeErr)
	}
	return record, nil
}
