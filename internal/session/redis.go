package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time check that RedisStore satisfies the Store contract.
var _ Store = (*RedisStore)(nil)

// RedisStore persists visitor state as one JSON document per visitor key.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an initialized Redis client. A zero ttl keeps states
// forever; otherwise every write refreshes the expiry, so the document
// behaves like a sliding session.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if client == nil {
		panic("session: redis client cannot be nil")
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Get loads and decodes the state document. A missing key yields a fresh
// empty state.
func (s *RedisStore) Get(ctx context.Context, key string) (*State, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load visitor state %q: %w", key, err)
	}

	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to decode visitor state %q: %w", key, err)
	}
	return &state, nil
}

// Set encodes and persists the state document, refreshing the expiry.
func (s *RedisStore) Set(ctx context.Context, key string, state *State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode visitor state %q: %w", key, err)
	}

	if err := s.client.Set(ctx, s.redisKey(key), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store visitor state %q: %w", key, err)
	}
	return nil
}

// HealthCheck verifies the connection to the Redis server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) redisKey(key string) string {
	return fmt.Sprintf("%s:%s", KeyPrefix, key)
}
