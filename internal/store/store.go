// Package store defines the atomic key/hash store consumed by the channel
// directory and provides in-memory and SQLite backends. The interface is
// shaped after the hash primitives of a shared cache: every operation is a
// single atomic round trip, so callers never read-modify-write counters.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout indicates a store operation exceeded the configured deadline.
var ErrTimeout = errors.New("store: operation timed out")

// Store is an atomic key/hash store. Implementations must be safe for
// concurrent use, and each method must be atomic on its own: HIncrBy in
// particular is the primitive the directory derives occupancy transitions
// from, so its read-and-update must never be observable as two steps.
//
// Hash semantics: a hash with no remaining fields ceases to exist, and
// HIncrBy removes the field when the result drops to zero or below
// (returning the clamped value 0). This lets channel records disappear
// together with their last counter instead of needing a separate delete.
type Store interface {
	// Keys returns all keys matching the glob pattern ('*' wildcards).
	Keys(ctx context.Context, pattern string) ([]string, error)

	// HGet returns a single hash field. ok is false if the key or field
	// does not exist.
	HGet(ctx context.Context, key, field string) (value string, ok bool, err error)

	// HMGet returns the requested fields that exist; missing fields are
	// simply absent from the result.
	HMGet(ctx context.Context, key string, fields []string) (map[string]string, error)

	// HGetAll returns every field of a hash, or an empty map if the key
	// does not exist.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HSet sets the given fields, creating the hash if needed.
	HSet(ctx context.Context, key string, fields map[string]string) error

	// HSetNX atomically creates the hash with the given fields if and only
	// if the key does not exist. Returns true if it was created.
	HSetNX(ctx context.Context, key string, fields map[string]string) (bool, error)

	// HIncrBy atomically adds delta to an integer field, creating it at
	// zero if absent. A result of zero or below removes the field and
	// returns 0.
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// HDel removes fields from a hash.
	HDel(ctx context.Context, key string, fields ...string) error

	// Del removes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	Close() error
}

// Config holds store configuration shared by backends.
type Config struct {
	Backend string        // "memory" or "sqlite"
	Path    string        // database file path (sqlite only)
	Timeout time.Duration // per-operation deadline
}

// DefaultTimeout bounds store round trips when no timeout is configured.
const DefaultTimeout = 5 * time.Second

// New creates a store for the given configuration.
func New(cfg Config) (Store, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(cfg.Timeout), nil
	case "sqlite":
		return NewSQLite(cfg.Path, cfg.Timeout)
	default:
		return nil, errors.New("store: unknown backend " + cfg.Backend)
	}
}

// guard applies the per-operation deadline to ctx.
func guard(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// mapErr converts context deadline errors into ErrTimeout.
func mapErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
