package cache

import (
	"context"
	"time"
)

// Cache defines the unified interface for cache operations.
// Business code depends on this interface so tests can run against miniredis
// or a hand-written fake.
type Cache interface {
	BasicOps
	SetOps
	ZSetOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get retrieves the value for the given key.
	// A missing key returns "" and a nil error.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair with optional TTL.
	// If ttl is 0, the key will not expire.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// SetNX sets the value only if the key does not exist
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)

	// Del deletes one or more keys
	Del(ctx context.Context, keys ...string) error

	// Exists returns the number of keys that exist
	Exists(ctx context.Context, keys ...string) (int64, error)

	// Expire sets a timeout on a key
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// CounterOps defines fixed-window counter operations.
type CounterOps interface {
	BasicOps

	// Incr increments the integer value of a key by 1
	Incr(ctx context.Context, key string) (int64, error)

	// TTL returns the remaining time to live of a key
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// SetOps defines set operations
type SetOps interface {
	SAdd(ctx context.Context, key string, members ...any) error
	SRem(ctx context.Context, key string, members ...any) error
	SCard(ctx context.Context, key string) (int64, error)
}

// ZSetOps defines sorted set operations (used for the rating ledger)
type ZSetOps interface {
	// ZScore returns the score of a member; a missing member returns 0 and a nil error
	ZScore(ctx context.Context, key, member string) (float64, error)

	// ZRevRangeWithScores returns members with scores in descending order
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error)

	// ZIncrByOnce applies every increment to key and sets markerKey in one
	// atomic step. It returns false without writing when markerKey exists.
	ZIncrByOnce(ctx context.Context, markerKey string, markerTTL time.Duration, key string, increments map[string]float64) (bool, error)
}

// ZMember represents a member in a sorted set with its score
type ZMember struct {
	Score  float64
	Member string
}
