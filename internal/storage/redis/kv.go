// -----------------------------------------------------------------------
// KV Store - native redis operations, Lua for compound atomics
// -----------------------------------------------------------------------

package redis

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawl/internal/interfaces"
)

// sAddCappedScript admits members one at a time while the set stays under
// the limit. Runs server-side so the size check and insert cannot
// interleave across workers.
var sAddCappedScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local card = redis.call('SCARD', KEYS[1])
local added = {}
for i = 2, #ARGV do
	local member = ARGV[i]
	if redis.call('SISMEMBER', KEYS[1], member) == 0 then
		if limit <= 0 or card < limit then
			redis.call('SADD', KEYS[1], member)
			card = card + 1
			added[#added + 1] = member
		end
	end
end
return added
`)

// zAddCappedScript sweeps members scored below the floor, then admits the
// member only under the cap. The lease-acquire primitive.
var zAddCappedScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2])
if redis.call('ZSCORE', KEYS[1], ARGV[4]) then
	redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
	return 1
end
local limit = tonumber(ARGV[1])
if limit > 0 and redis.call('ZCARD', KEYS[1]) >= limit then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
return 1
`)

// zPopMoveScript moves the lowest-scored member of KEYS[1] into KEYS[2].
var zPopMoveScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1], 1)
if #popped == 0 then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], popped[1])
return popped[1]
`)

// KV implements interfaces.KVStore on redis.
type KV struct {
	client *redis.Client
	logger arbor.ILogger
}

// NewKV creates a KV store on the given client.
func NewKV(client *redis.Client, logger arbor.ILogger) *KV {
	return &KV{
		client: client,
		logger: logger,
	}
}

func formatScore(score float64) string {
	if math.IsInf(score, -1) {
		return "-inf"
	}
	if math.IsInf(score, 1) {
		return "+inf"
	}
	return strconv.FormatFloat(score, 'f', -1, 64)
}

// Get retrieves a string value.
func (s *KV) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", interfaces.ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key: %w", err)
	}
	return value, nil
}

// Set stores a string value with an optional TTL.
func (s *KV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// SetNX stores the value only if the key is absent.
func (s *KV) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	stored, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx key: %w", err)
	}
	return stored, nil
}

// Delete removes a key of any kind.
func (s *KV) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// IncrBy atomically adds delta to an integer key.
func (s *KV) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	value, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment key: %w", err)
	}
	return value, nil
}

// Expire sets a key's TTL.
func (s *KV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to expire key: %w", err)
	}
	if !ok {
		return interfaces.ErrKeyNotFound
	}
	return nil
}

// SAdd adds members to a set.
func (s *KV) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	added, err := s.client.SAdd(ctx, key, args...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to add set members: %w", err)
	}
	return added, nil
}

// SAddCapped admits members while the set stays under limit.
func (s *KV) SAddCapped(ctx context.Context, key string, limit int64, members ...string) ([]string, error) {
	args := make([]interface{}, 0, len(members)+1)
	args = append(args, limit)
	for _, m := range members {
		args = append(args, m)
	}
	added, err := sAddCappedScript.Run(ctx, s.client, []string{key}, args...).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to add capped set members: %w", err)
	}
	return added, nil
}

// SIsMember reports set membership.
func (s *KV) SIsMember(ctx context.Context, key string, member string) (bool, error) {
	found, err := s.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check set membership: %w", err)
	}
	return found, nil
}

// SCard returns the set size.
func (s *KV) SCard(ctx context.Context, key string) (int64, error) {
	card, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get set cardinality: %w", err)
	}
	return card, nil
}

// SMembers returns all members of a set.
func (s *KV) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list set members: %w", err)
	}
	return members, nil
}

// ZAdd adds or rescores a member.
func (s *KV) ZAdd(ctx context.Context, key string, score float64, member string) error {
	err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	if err != nil {
		return fmt.Errorf("failed to add sorted-set member: %w", err)
	}
	return nil
}

// ZAddCapped sweeps expired members then admits under the cap.
func (s *KV) ZAddCapped(ctx context.Context, key string, limit int64, minScore float64, score float64, member string) (bool, error) {
	result, err := zAddCappedScript.Run(ctx, s.client, []string{key},
		limit, formatScore(minScore), formatScore(score), member).Int()
	if err != nil {
		return false, fmt.Errorf("failed to add capped sorted-set member: %w", err)
	}
	return result == 1, nil
}

// ZRem removes members.
func (s *KV) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	removed, err := s.client.ZRem(ctx, key, args...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to remove sorted-set members: %w", err)
	}
	return removed, nil
}

// ZScore returns a member's score.
func (s *KV) ZScore(ctx context.Context, key string, member string) (float64, error) {
	score, err := s.client.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get sorted-set member score: %w", err)
	}
	return score, nil
}

// ZCard returns the sorted set size.
func (s *KV) ZCard(ctx context.Context, key string) (int64, error) {
	card, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get sorted-set cardinality: %w", err)
	}
	return card, nil
}

// ZRangeByScore returns members with min <= score <= max, lowest first.
func (s *KV) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]string, error) {
	rangeBy := &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}
	members, err := s.client.ZRangeByScore(ctx, key, rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to range sorted set: %w", err)
	}
	return members, nil
}

// ZPopMove atomically moves the lowest-scored member of src into dst.
func (s *KV) ZPopMove(ctx context.Context, src, dst string, dstScore float64) (string, error) {
	member, err := zPopMoveScript.Run(ctx, s.client, []string{src, dst}, formatScore(dstScore)).Text()
	if err == redis.Nil {
		return "", interfaces.ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to pop-move sorted-set member: %w", err)
	}
	return member, nil
}

// RPush appends values to a list.
func (s *KV) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.RPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("failed to push list values: %w", err)
	}
	return nil
}

// LPop removes and returns the head of a list.
func (s *KV) LPop(ctx context.Context, key string) (string, error) {
	value, err := s.client.LPop(ctx, key).Result()
	if err == redis.Nil {
		return "", interfaces.ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to pop list head: %w", err)
	}
	return value, nil
}

// LLen returns the list length.
func (s *KV) LLen(ctx context.Context, key string) (int64, error) {
	length, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get list length: %w", err)
	}
	return length, nil
}

// LRange returns elements from start to stop inclusive.
func (s *KV) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	values, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to range list: %w", err)
	}
	return values, nil
}

// Publish sends a message to a channel.
func (s *KV) Publish(ctx context.Context, channel string, message string) error {
	if err := s.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe opens a subscription on a channel.
func (s *KV) Subscribe(ctx context.Context, channel string) (interfaces.Subscription, error) {
	ps := s.client.Subscribe(ctx, channel)
	// Force the subscription to be established before returning, so a
	// publish immediately after Subscribe is not lost.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to channel: %w", err)
	}
	return newSubscription(ps), nil
}

// Close releases the client.
func (s *KV) Close() error {
	return s.client.Close()
}

type subscription struct {
	ps   *redis.PubSub
	ch   chan string
	once sync.Once
}

func newSubscription(ps *redis.PubSub) *subscription {
	sub := &subscription{
		ps: ps,
		ch: make(chan string, 64),
	}
	go func() {
		for msg := range ps.Channel() {
			select {
			case sub.ch <- msg.Payload:
			default:
			}
		}
		close(sub.ch)
	}()
	return sub
}

func (s *subscription) Channel() <-chan string {
	return s.ch
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
	})
	return err
}
