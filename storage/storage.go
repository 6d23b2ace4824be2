package storage

import (
	"context"
	"errors"
	"time"
)

// KV is the minimal contract a backing store must provide. All broker state
// goes through these three operations; expiry is the store's responsibility.
// Implementations must be safe for concurrent use.
type KV interface {
	// Put stores value under key. A ttl of zero means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key, or ErrNotFound if the key is absent
	// or its TTL has elapsed.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// GetDeleter is an optional KV capability: retrieve and remove a key in one
// atomic step. Stores that support it (Redis GETDEL, the in-memory store)
// make single-use redemption race-free; without it the broker falls back to
// Get followed by Delete, relying on unguessable keys to keep the double
// redemption window irrelevant in practice.
type GetDeleter interface {
	GetDelete(ctx context.Context, key string) ([]byte, error)
}

// Incrementer is an optional KV capability: atomically increment a counter,
// starting its TTL on the first increment. Used by the rate limiter for
// exact fixed-window counting. Backends without it get a best-effort
// read-modify-write counter instead.
type Incrementer interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// ErrNotFound is returned when a key is absent or expired. The typed
// sentinels below wrap it so callers can match either form.
var ErrNotFound = errors.New("storage: key not found")

var (
	// ErrSessionNotFound indicates a pending authorization session is
	// absent, expired, or already redeemed.
	ErrSessionNotFound = &notFoundError{"authorization session not found"}

	// ErrCodeNotFound indicates an authorization code is absent, expired,
	// or already redeemed.
	ErrCodeNotFound = &notFoundError{"authorization code not found"}

	// ErrTokenNotFound indicates an access token was never issued or has
	// expired.
	ErrTokenNotFound = &notFoundError{"access token not found"}

	// ErrClientNotFound indicates no client registration exists for the
	// given identifier. Kept generic to prevent client enumeration.
	ErrClientNotFound = &notFoundError{"client not found"}
)

type notFoundError struct {
	msg string
}

func (e *notFoundError) Error() string { return e.msg }

// Unwrap lets errors.Is(err, ErrNotFound) match every typed sentinel.
func (e *notFoundError) Unwrap() error { return ErrNotFound }
