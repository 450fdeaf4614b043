package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldData     = "data"
	fieldModified = "modified"
)

// RedisConfig configures a RedisBackend.
type RedisConfig struct {
	// Client is the Redis client instance
	Client redis.UniversalClient

	// KeyPrefix is prepended to every key.
	// Default: "authkeeper:"
	KeyPrefix string
}

// RedisBackend stores each record as a hash holding the ciphertext and its
// modification time, so Stat never transfers the blob.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend creates a Redis-backed store.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "authkeeper:"
	}
	return &RedisBackend{client: cfg.Client, prefix: cfg.KeyPrefix}, nil
}

func (r *RedisBackend) redisKey(key Key) string {
	return r.prefix + key.String()
}

func (r *RedisBackend) Put(ctx context.Context, key Key, data []byte, modTime time.Time) error {
	if modTime.IsZero() {
		modTime = time.Now()
	}
	// HSET replaces both fields in one command
	err := r.client.HSet(ctx, r.redisKey(key),
		fieldData, data,
		fieldModified, modTime.UnixNano(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to store session %s: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) Get(ctx context.Context, key Key) ([]byte, error) {
	data, err := r.client.HGet(ctx, r.redisKey(key), fieldData).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", key, err)
	}
	return data, nil
}

func (r *RedisBackend) Stat(ctx context.Context, key Key) (Meta, error) {
	return r.stat(ctx, r.redisKey(key), key)
}

func (r *RedisBackend) stat(ctx context.Context, redisKey string, key Key) (Meta, error) {
	pipe := r.client.Pipeline()
	modCmd := pipe.HGet(ctx, redisKey, fieldModified)
	lenCmd := pipe.HStrLen(ctx, redisKey, fieldData)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Meta{}, fmt.Errorf("failed to stat session %s: %w", key, err)
	}

	raw, err := modCmd.Result()
	if errors.Is(err, redis.Nil) {
		return Meta{}, ErrNotFound
	}
	if err != nil {
		return Meta{}, fmt.Errorf("failed to stat session %s: %w", key, err)
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Meta{}, fmt.Errorf("malformed modification time for %s: %w", key, err)
	}
	return Meta{Key: key, ModTime: time.Unix(0, nanos), Size: lenCmd.Val()}, nil
}

func (r *RedisBackend) Delete(ctx context.Context, key Key) error {
	n, err := r.client.Del(ctx, r.redisKey(key)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisBackend) List(ctx context.Context) ([]Meta, error) {
	var out []Meta
	iter := r.client.Scan(ctx, 0, r.prefix+namePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		redisKey := iter.Val()
		key, err := ParseKey(strings.TrimPrefix(redisKey, r.prefix))
		if err != nil {
			continue
		}
		meta, err := r.stat(ctx, redisKey, key)
		if errors.Is(err, ErrNotFound) {
			continue // deleted between SCAN and HGET
		}
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	sortMetas(out)
	return out, nil
}
