// Package cache holds Redis-backed and in-memory caches shared across feed instances.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound     = errors.New("key not found")
	ErrEncodeFailed = errors.New("failed to encode value")
	ErrDecodeFailed = errors.New("failed to decode value")
)

// Encoder converts a value of type T to bytes for storage in Redis.
type Encoder[T any] func(value T) ([]byte, error)

// Decoder converts bytes from Redis back to a value of type T.
type Decoder[T any] func(data []byte) (T, error)

// Cache is a generic prefixed key/value cache backed by Redis.
type Cache[T any] struct {
	client  redis.UniversalClient
	encoder Encoder[T]
	decoder Decoder[T]
	prefix  string
	ttl     time.Duration
}

// Options contains configuration options for creating a new Cache.
type Options[T any] struct {
	Client  redis.UniversalClient
	Encoder Encoder[T]
	Decoder Decoder[T]
	Prefix  string
	TTL     time.Duration // default expiry for Set, 0 = none
}

// New creates a Cache; nil codecs default to msgpack.
func New[T any](opts Options[T]) *Cache[T] {
	if opts.Encoder == nil {
		opts.Encoder = MsgpackEncoder[T]()
	}
	if opts.Decoder == nil {
		opts.Decoder = MsgpackDecoder[T]()
	}
	return &Cache[T]{
		client:  opts.Client,
		encoder: opts.Encoder,
		decoder: opts.Decoder,
		prefix:  opts.Prefix,
		ttl:     opts.TTL,
	}
}

func (c *Cache[T]) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// Set stores value under key with the cache's default TTL.
func (c *Cache[T]) Set(ctx context.Context, key string, value T) error {
	return c.SetTTL(ctx, key, value, c.ttl)
}

// SetTTL stores value under key with an explicit TTL (0 = no expiration).
func (c *Cache[T]) SetTTL(ctx context.Context, key string, value T, ttl time.Duration) error {
	data, err := c.encoder(value)
	if err != nil {
		return errors.Join(ErrEncodeFailed, err)
	}
	return c.client.Set(ctx, c.key(key), data, ttl).Err()
}

// Get returns the value under key or ErrNotFound.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T

	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, ErrNotFound
		}
		return zero, err
	}

	value, err := c.decoder(data)
	if err != nil {
		return zero, errors.Join(ErrDecodeFailed, err)
	}
	return value, nil
}

// MGet returns the values that exist for keys; undecodable entries are skipped.
func (c *Cache[T]) MGet(ctx context.Context, keys ...string) (map[string]T, error) {
	values := make(map[string]T, len(keys))
	if len(keys) == 0 {
		return values, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	results, err := c.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}

	for i, r := range results {
		var data []byte
		switch v := r.(type) {
		case string:
			data = []byte(v)
		case []byte:
			data = v
		default:
			continue
		}
		if value, err := c.decoder(data); err == nil {
			values[keys[i]] = value
		}
	}
	return values, nil
}

// Delete removes key.
func (c *Cache[T]) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

// NewRedisClient parses a redis:// URL and verifies the server responds.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
