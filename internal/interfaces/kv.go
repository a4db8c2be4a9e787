// -----------------------------------------------------------------------
// Key/Value Store - shared state primitives for crawl coordination
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned when a key is not found in the key/value store
var ErrKeyNotFound = errors.New("key not found")

// Subscription is a live pub/sub channel subscription.
type Subscription interface {
	// Channel delivers published messages until Close.
	Channel() <-chan string
	Close() error
}

// KVStore defines the shared-state primitives every backend must provide.
// Crawl records, visited/locked URL sets, idempotency keys, concurrency
// leases and the job queue are all built on these operations.
//
// Each single operation is atomic with respect to its key. The capped and
// pop-move variants exist because their check-and-act sequences must not
// interleave across workers.
type KVStore interface {
	// Get retrieves a value by key, returns ErrKeyNotFound if missing.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value. A ttl of 0 means no expiry.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// SetNX stores the value only if the key does not exist. Returns true
	// if the value was stored.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// IncrBy atomically adds delta to an integer key and returns the new value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// Expire sets a key's TTL.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// SAdd adds members to a set, returning how many were newly added.
	SAdd(ctx context.Context, key string, members ...string) (int64, error)

	// SAddCapped adds members while keeping the set size under limit.
	// Members are admitted one at a time in the given order; once
	// |set| == limit, remaining members are rejected. Returns the members
	// actually added. The size check and insert are a single atomic step.
	SAddCapped(ctx context.Context, key string, limit int64, members ...string) ([]string, error)

	// SIsMember reports set membership.
	SIsMember(ctx context.Context, key string, member string) (bool, error)

	// SCard returns the set size.
	SCard(ctx context.Context, key string) (int64, error)

	// SMembers returns all members of a set.
	SMembers(ctx context.Context, key string) ([]string, error)

	// ZAdd adds or updates a member with the given score.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZAddCapped adds the member only while the sorted set holds fewer than
	// limit members, after first removing members whose score is below
	// minScore (expired leases). Returns true if the member was added.
	ZAddCapped(ctx context.Context, key string, limit int64, minScore float64, score float64, member string) (bool, error)

	// ZRem removes members, returning how many were present.
	ZRem(ctx context.Context, key string, members ...string) (int64, error)

	// ZScore returns a member's score, ErrKeyNotFound when absent.
	ZScore(ctx context.Context, key string, member string) (float64, error)

	// ZCard returns the sorted set size.
	ZCard(ctx context.Context, key string) (int64, error)

	// ZRangeByScore returns up to limit members with min <= score <= max,
	// lowest first. limit <= 0 means no bound.
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]string, error)

	// ZPopMove atomically removes the lowest-scored member of src and adds
	// it to dst with the given score. Returns ErrKeyNotFound when src is
	// empty.
	ZPopMove(ctx context.Context, src, dst string, dstScore float64) (string, error)

	// RPush appends values to a list.
	RPush(ctx context.Context, key string, values ...string) error

	// LPop removes and returns the head of a list, ErrKeyNotFound when empty.
	LPop(ctx context.Context, key string) (string, error)

	// LLen returns the list length.
	LLen(ctx context.Context, key string) (int64, error)

	// LRange returns list elements from start to stop inclusive; negative
	// indexes count from the tail as in redis.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Publish sends a message to a channel's current subscribers.
	Publish(ctx context.Context, channel string, message string) error

	// Subscribe opens a subscription on a channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close releases the backend.
	Close() error
}
