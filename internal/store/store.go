// Package store wraps the Redis state store with the small set of atomic
// primitives the rest of the daemon relies on: hash records with TTL,
// set-if-absent creation, compare-and-set on a single field, atomic counter
// increments and prefix scans for recovery.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when a record key does not exist.
	ErrNotFound = errors.New("store: key not found")
	// ErrCASFailed is returned when a compare-and-set did not match.
	ErrCASFailed = errors.New("store: compare-and-set failed")
	// ErrUnavailable wraps connection-level failures; the API maps it to 503.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store is a thin typed layer over a Redis client.
type Store struct {
	rdb *redis.Client
}

// Open connects to the state store at the given redis:// URL.
func Open(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid state store URL: %w", err)
	}
	return &Store{rdb: redis.NewClient(opts)}, nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// createIfAbsent atomically creates a hash record only when the key does not
// exist yet. Returns 1 on creation, 0 when the key was already present.
var createIfAbsent = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
for i = 1, #ARGV - 1, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

// casField atomically replaces a hash field value only when it currently
// equals the expected value. A missing field compares equal to the empty
// string. Returns 1 on success, 0 on mismatch, -1 when the key is missing.
var casField = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur == false then
	cur = ''
end
if cur ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)

// CreateRecord inserts a hash record with a TTL iff the key is absent.
// Returns false when the key already exists.
func (s *Store) CreateRecord(ctx context.Context, key string, fields map[string]string, ttl time.Duration) (bool, error) {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	created, err := createIfAbsent.Run(ctx, s.rdb, []string{key}, args...).Int()
	if err != nil {
		return false, wrapErr(err)
	}
	if created == 0 {
		return false, nil
	}
	if ttl > 0 {
		if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return true, wrapErr(err)
		}
	}
	return true, nil
}

// GetRecord returns all fields of a hash record.
func (s *Store) GetRecord(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return fields, nil
}

// SetFields updates fields of an existing hash record.
func (s *Store) SetFields(ctx context.Context, key string, fields map[string]string) error {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return wrapErr(s.rdb.HSet(ctx, key, args...).Err())
}

// CompareAndSwapField atomically transitions one field from old to new.
// Returns ErrCASFailed on a value mismatch and ErrNotFound for a missing key.
func (s *Store) CompareAndSwapField(ctx context.Context, key, field, old, new string) error {
	res, err := casField.Run(ctx, s.rdb, []string{key}, field, old, new).Int()
	if err != nil {
		return wrapErr(err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return ErrCASFailed
	default:
		return ErrNotFound
	}
}

// IncrementField atomically adds delta to an integer hash field and returns
// the new value.
func (s *Store) IncrementField(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := s.rdb.HIncrBy(ctx, key, field, delta).Result()
	return n, wrapErr(err)
}

// Expire sets the TTL on a key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrapErr(s.rdb.Expire(ctx, key, ttl).Err())
}

// TTL returns the remaining TTL of a key, or a negative duration when the
// key has no TTL or does not exist.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	return d, wrapErr(err)
}

// Delete removes keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	return wrapErr(s.rdb.Del(ctx, keys...).Err())
}

// KeysByPrefix returns all keys starting with the given prefix. Used by
// startup reconciliation and the cleanup sweep; record counts stay small.
func (s *Store) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, wrapErr(err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// SetValue stores a plain string value with an optional TTL. Used for the
// monitor's log offset checkpoint.
func (s *Store) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrapErr(s.rdb.Set(ctx, key, value, ttl).Err())
}

// GetValue fetches a plain string value.
func (s *Store) GetValue(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, wrapErr(err)
}

// MemoryUsage returns the store's human-readable memory usage, or "unknown"
// when the server does not expose it (miniredis in tests does not).
func (s *Store) MemoryUsage(ctx context.Context) string {
	info, err := s.rdb.Info(ctx, "memory").Result()
	if err != nil {
		return "unknown"
	}
	for _, line := range strings.Split(info, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "used_memory_human:"); ok {
			return v
		}
	}
	return "unknown"
}

func wrapErr(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	// Script and protocol errors come back typed; everything transport-level
	// is treated as the store being unavailable.
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
