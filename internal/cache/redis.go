package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Prefix namespaces every key this package writes.
const Prefix = "channelvault:"

// Redis wraps a go-redis client with JSON helpers and namespaced keys.
type Redis struct {
	client *redis.Client
}

// New parses a Redis URL (e.g. "redis://host:6379/0") and returns a client.
// Call Ping to verify the connection.
func New(rawURL string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(c *redis.Client) *Redis {
	return &Redis{client: c}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Client returns the underlying go-redis client.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Key joins parts under Prefix, e.g. Key("source", "7") is "channelvault:source:7".
func Key(parts ...string) string {
	return Prefix + strings.Join(parts, ":")
}

// Get fetches key and JSON-unmarshals the value.
// Returns redis.Nil when the key does not exist.
func Get[T any](ctx context.Context, r *Redis, key string) (T, error) {
	var zero T
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		return zero, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("cache unmarshal %s: %w", key, err)
	}
	return v, nil
}

// Set JSON-marshals v and stores it under key with the given TTL.
func Set(ctx context.Context, r *Redis, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", key, err)
	}
	return r.client.Set(ctx, key, data, ttl).Err()
}

// Del deletes exact keys.
func Del(ctx context.Context, r *Redis, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// DelPattern deletes all keys matching a glob pattern using SCAN.
func DelPattern(ctx context.Context, r *Redis, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("cache scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("cache del pattern %s: %w", pattern, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
