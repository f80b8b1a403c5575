package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV implements the queue backend on Redis so pending events survive
// process restarts.
type RedisKV struct {
	client *redis.Client
	prefix string
}

// NewRedisKV connects to Redis and verifies the connection.
func NewRedisKV(redisURL string) (*RedisKV, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisKV{
		client: client,
		prefix: "pending:",
	}, nil
}

// NewRedisKVWithClient wraps an existing Redis client.
func NewRedisKVWithClient(client *redis.Client) *RedisKV {
	return &RedisKV{
		client: client,
		prefix: "pending:",
	}
}

func (s *RedisKV) key(k string) string {
	return s.prefix + k
}

// Put stores one pending entry. No TTL: a queued event stays until it is
// delivered or explicitly cleared.
func (s *RedisKV) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("save pending entry: %w", err)
	}
	return nil
}

// GetAll scans the pending keyspace and returns every stored entry.
func (s *RedisKV) GetAll(ctx context.Context) (map[string][]byte, error) {
	out := make(map[string][]byte)
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		value, err := s.client.Get(ctx, full).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read pending entry: %w", err)
		}
		out[strings.TrimPrefix(full, s.prefix)] = value
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan pending entries: %w", err)
	}
	return out, nil
}

// Delete removes one pending entry.
func (s *RedisKV) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("delete pending entry: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisKV) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisKV) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
