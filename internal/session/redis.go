package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// createdField marks a hash as an allocated session so that an empty session
// is distinguishable from an unknown one.
const createdField = "__created_at"

// RedisBackend keeps sessions as Redis hashes, one hash per session ID.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// ensure that RedisBackend implements the Backend interface
var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend creates a new [RedisBackend]. Every write refreshes the
// session TTL.
func NewRedisBackend(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisBackend {
	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// redisKey returns the Redis key for a given session ID
func (b *RedisBackend) redisKey(id string) string {
	return fmt.Sprintf("%s:session:%s", b.prefix, id)
}

// Create allocates a new session hash and returns its ID.
func (b *RedisBackend) Create(ctx context.Context) (string, error) {
	id, err := generateSessionID()
	if err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}

	key := b.redisKey(id)
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, createdField, strconv.FormatInt(time.Now().Unix(), 10))
		pipe.Expire(ctx, key, b.ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to create session in Redis: %w", ErrUnavailable, err)
	}

	return id, nil
}

// Open returns a Store scoped to the session hash, or ErrNotFound if the
// hash does not exist (never created or expired).
func (b *RedisBackend) Open(ctx context.Context, id string) (Store, error) {
	n, err := b.client.Exists(ctx, b.redisKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to look up session in Redis: %w", ErrUnavailable, err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	return &RedisStore{backend: b, key: b.redisKey(id)}, nil
}

// Delete removes the session hash.
func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	if err := b.client.Del(ctx, b.redisKey(id)).Err(); err != nil {
		return fmt.Errorf("%w: failed to delete session in Redis: %w", ErrUnavailable, err)
	}
	return nil
}

// RedisStore is the Store view of one session hash.
type RedisStore struct {
	backend *RedisBackend
	key     string
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := s.backend.client.HExists(ctx, s.key, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis hexists: %w", ErrUnavailable, err)
	}
	return ok, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.backend.client.HGet(ctx, s.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: redis hget: %w", ErrUnavailable, err)
	}
	return v, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key, value string) error {
	_, err := s.backend.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key, key, value)
		pipe.Expire(ctx, s.key, s.backend.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: redis hset: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.backend.client.HDel(ctx, s.key, key).Err(); err != nil {
		return fmt.Errorf("%w: redis hdel: %w", ErrUnavailable, err)
	}
	return nil
}
