// Package store provides a typed wrapper over Redis, the shared in-memory
// store backing the matchmaking engine's live state: round queues, match
// records, participant statuses, locks, and daily stats. All values are
// stored as strings; structured data is serialized to JSON text at the
// boundary.
package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store wraps a Redis client with the sorted-set, hash, and scripted
// primitives the matchmaking engine needs.
type Store struct {
	rdb *redis.Client
}

// New connects to Redis at addr and verifies the connection.
func New(addr string) (*Store, error) {
	reconnected := LogReconnect("store")
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			reconnected(nil)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis connection failed: %w", err)
	}

	return &Store{rdb: rdb}, nil
}

// Client returns the underlying Redis client for use by other packages that
// need primitives this wrapper does not expose.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// Connected reports whether the store currently has a usable connection.
// Callers must tolerate transient false results — Redis may be mid
// reconnect.
func (s *Store) Connected(ctx context.Context) bool {
	return s.rdb.Ping(ctx).Err() == nil
}

// Close closes the underlying Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// --- Sorted sets ------------------------------------------------------

// ZAdd adds member to key's sorted set with the given score, used for
// FIFO-by-join-timestamp queue ordering.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRange returns members of key's sorted set in ascending score order
// (oldest join time first).
func (s *Store) ZRange(ctx context.Context, key string) ([]string, error) {
	return s.rdb.ZRange(ctx, key, 0, -1).Result()
}

// ZRank returns the 0-based rank of member within key's sorted set, or -1
// if member is not present.
func (s *Store) ZRank(ctx context.Context, key, member string) (int64, error) {
	rank, err := s.rdb.ZRank(ctx, key, member).Result()
	if err == redis.Nil {
		return -1, nil
	}
	return rank, err
}

// ZRem removes member from key's sorted set.
func (s *Store) ZRem(ctx context.Context, key, member string) error {
	return s.rdb.ZRem(ctx, key, member).Err()
}

// ZCard returns the cardinality of key's sorted set.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.ZCard(ctx, key).Result()
}

// ZScore returns the score of member within key's sorted set, and whether
// the member is present.
func (s *Store) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := s.rdb.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

// ZRangeByScoreLTE returns members of key's sorted set whose score is at
// most max, used to find stale entries for garbage collection.
func (s *Store) ZRangeByScoreLTE(ctx context.Context, key string, max float64) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", max),
	}).Result()
}

// --- Hashes -------------------------------------------------------------

// HSet writes fields into key's hash.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	return s.rdb.HSet(ctx, key, fields).Err()
}

// HGetAll returns all fields of key's hash. The returned map is empty (not
// nil) if the key does not exist.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

// HIncrBy atomically increments an integer hash field by delta, creating
// the field (starting at 0) if absent.
func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return s.rdb.HIncrBy(ctx, key, field, delta).Result()
}

// --- Strings / expiry -----------------------------------------------------

// SetNX sets key to value only if it does not already exist, with the given
// TTL. Returns true if the key was set by this call.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

// Get returns the string value of key, and whether it was present.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	return val, err == nil, err
}

// Expire sets or refreshes key's TTL.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Keys enumerates keys matching pattern. Intended for garbage-collection
// sweeps only — never on a hot path, matching the teacher's own caution
// around unbounded KEYS scans.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	return s.rdb.Keys(ctx, pattern).Result()
}

// --- Scripted compare-and-delete ------------------------------------------

// compareAndDeleteScript deletes key only if its current value equals the
// expected owner token. Mirrors the accept-match compare-and-swap script in
// the chat store this package is grounded on, generalized from a hash field
// flip to a whole-key delete.
var compareAndDeleteScript = redis.NewScript(`
local key = KEYS[1]
local expected = ARGV[1]

local current = redis.call('GET', key)
if current == false then
	return 0
end
if current ~= expected then
	return 0
end

redis.call('DEL', key)
return 1
`)

// CompareAndDelete atomically deletes key iff its value equals expected.
// Returns true if the key was deleted by this call.
func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.rdb, []string{key}, expected).Int()
	if err != nil {
		return false, fmt.Errorf("store: compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}

// Pipeline exposes the underlying client's pipeline for callers that need to
// batch several of the primitives above atomically-enough (same round-trip,
// not necessarily same MULTI) the way the teacher's queue.Enqueue does.
func (s *Store) Pipeline() redis.Pipeliner {
	return s.rdb.Pipeline()
}

// LogReconnect should be registered by callers during client construction if
// they want reconnect visibility; kept here as a convenience constructor
// analogous to the teacher's NATS reconnect handlers.
func LogReconnect(component string) func(err error) {
	return func(err error) {
		if err != nil {
			log.Printf("[%s] shared store connection lost: %v", component, err)
		} else {
			log.Printf("[%s] shared store reconnected", component)
		}
	}
}
