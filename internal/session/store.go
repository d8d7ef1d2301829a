package session

import (
	"context"
	"fmt"
)

// KeyPrefix is the namespace used for all visitor keys in Redis.
// Example: "visitor:1b4e28ba-2fa1-11d2-883f-0016d3cca427"
const KeyPrefix = "visitor"

// UserKey returns the session key for an authenticated identity. Keying by
// user id is what lets the static population path reconstruct a user's visit
// history without a live request.
func UserKey(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

// Store defines the durable session store contract.
// This interface allows for dependency injection and swapping the Redis
// implementation for the in-memory one in tests.
type Store interface {
	// Get loads the state for a visitor key. A key never seen before
	// yields a fresh empty state, not an error.
	Get(ctx context.Context, key string) (*State, error)

	// Set persists the full state document for a visitor key.
	Set(ctx context.Context, key string, state *State) error

	// HealthCheck verifies connectivity to the backing store.
	HealthCheck(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}
