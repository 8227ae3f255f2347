// Package store adapts the durable key/value + list service the orchestrator
// consumes. Two backends exist: an in-process memory store used by tests and
// single-process runs, and a SQLite store that several processes (server and
// CLI) can share.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired
var ErrNotFound = errors.New("store: key not found")

var errClosed = errors.New("store closed")

// Store is the durable queue/key-value collaborator.
// Implementations must be safe for concurrent use by multiple goroutines.
type Store interface {
	// Push appends item to the tail of the queue list at key
	Push(ctx context.Context, key string, item []byte) error

	// BlockingPop removes and returns the head of the queue list at key,
	// waiting up to timeout. It returns (nil, nil) when the timeout elapses.
	BlockingPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error)

	// Get returns the value stored at key or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// CompareAndSet replaces the live value at key with value only if it is
	// byte-for-byte equal to old. It reports whether the swap happened; a
	// missing or expired key never matches.
	CompareAndSet(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists live keys matching a glob pattern (e.g. "task:*")
	Keys(ctx context.Context, pattern string) ([]string, error)

	// ListPush appends value to the list at key, trimming the oldest entries
	// so at most maxLen remain (maxLen <= 0 means unbounded)
	ListPush(ctx context.Context, key string, value []byte, maxLen int) error

	// ListRange returns entries start..stop inclusive. Negative indices count
	// from the tail (-1 is the last entry).
	ListRange(ctx context.Context, key string, start, stop int) ([][]byte, error)

	// ListLen returns the number of entries in the list at key
	ListLen(ctx context.Context, key string) (int, error)

	// ExpireList makes the ListPush list at key disappear after ttl. Each
	// call replaces the previous deadline; ttl <= 0 clears it.
	ExpireList(ctx context.Context, key string, ttl time.Duration) error

	// Close releases backend resources
	Close() error
}

// Config selects and configures a backend
type Config struct {
	Backend    string        // memory | sqlite | redis
	Path       string        // For sqlite
	GCInterval time.Duration // Expired-key sweep interval
}

// Open constructs the configured backend
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(cfg.GCInterval), nil
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite store requires a path")
		}
		return NewSQLiteStore(cfg.Path, cfg.GCInterval)
	case "redis":
		return nil, fmt.Errorf("redis backend not yet implemented")
	default:
		return nil, fmt.Errorf("unknown store backend: %s (supported: memory, sqlite)", cfg.Backend)
	}
}

// normalizeRange resolves Redis-style inclusive indices against a list length.
// ok is false when the range selects nothing.
func normalizeRange(length, start, stop int) (from, to int, ok bool) {
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if length == 0 || start > stop || start >= length {
		return 0, 0, false
	}
	return start, stop, true
}
