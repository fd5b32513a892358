// Package kv provides the shared key-value store used for caching, rate
// counters, single-use tokens, and signal storage.
//
// Backends:
//   - Memory (in-process, for development and testing)
//   - Redis (distributed, for production)
//
// Counter and set operations are atomic per key on both backends; the
// single-use semantics of authorization codes and refresh tokens depend
// on that.
package kv

import (
	"context"
	"fmt"
	"time"
)

// Store defines the key-value operations consumed by the access-control core.
type Store interface {
	// Get returns the value for key. Returns ErrNotFound if absent or expired.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value without expiry.
	Set(ctx context.Context, key, value string) error

	// SetWithTTL stores a value that expires after ttl.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// GetDel atomically reads and removes a key. Returns ErrNotFound if
	// absent. This is the primitive behind single-use codes and tokens.
	GetDel(ctx context.Context, key string) (string, error)

	// AtomicIncrement increments a counter and returns the new value.
	// The ttl is applied on every increment (sliding window).
	AtomicIncrement(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// AddToSet adds a member to the set at key.
	AddToSet(ctx context.Context, key, member string) error

	// RemoveFromSet removes a member. Returns true if it was present.
	RemoveFromSet(ctx context.Context, key, member string) (bool, error)

	// SetMembers returns all members of the set at key.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// PushToList prepends a value to the list at key.
	PushToList(ctx context.Context, key, value string) error

	// TrimList keeps only the list elements in [start, stop].
	TrimList(ctx context.Context, key string, start, stop int64) error

	// RangeList returns the list elements in [start, stop].
	RangeList(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver   string // "memory" | "redis"
	Addr     string
	Password string
	DB       int
	Prefix   string // prefix applied to every key
}

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "kv: key not found" }

// IsNotFound reports whether err is a missing-key error.
func IsNotFound(err error) bool {
	_, ok := err.(errNotFound)
	return ok
}

// New builds a Store for the configured driver.
func New(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "redis":
		return NewRedis(cfg)
	case "memory", "":
		return NewMemory(cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("kv: unknown driver %q", cfg.Driver)
	}
}
