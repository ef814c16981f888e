// Package cache is a small TTL key-value cache for derived, rebuildable data.
// Nothing stored here is authoritative.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/redis/go-redis/v9"
)

// Cache stores opaque byte values under string keys.
type Cache interface {
	// Get reports a miss as (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Redis is a Cache backed by a Redis server. Keys are namespaced with prefix.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects to the server described by url (redis://...).
func NewRedis(url, prefix string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts), prefix: prefix, ttl: ttl}, nil
}

func (r *Redis) key(k string) string { return r.prefix + k }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: redis get: %w", err)
	}
	return b, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.key(key), value, r.ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("cache: redis del: %w", err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Local is an in-process Cache on bigcache. bigcache applies one life window
// to every entry, so the TTL is fixed at construction.
type Local struct {
	cache *bigcache.BigCache
}

// NewLocal creates an in-process cache whose entries live for ttl.
func NewLocal(ctx context.Context, ttl time.Duration) (*Local, error) {
	cfg := bigcache.DefaultConfig(ttl)
	cfg.Shards = 64
	cfg.CleanWindow = ttl
	cfg.MaxEntrySize = 8 * 1024
	cfg.Verbose = false

	c, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("cache: create bigcache: %w", err)
	}
	return &Local{cache: c}, nil
}

func (l *Local) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := l.cache.Get(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: bigcache get: %w", err)
	}
	return b, true, nil
}

func (l *Local) Set(_ context.Context, key string, value []byte) error {
	if err := l.cache.Set(key, value); err != nil {
		return fmt.Errorf("cache: bigcache set: %w", err)
	}
	return nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	err := l.cache.Delete(key)
	if err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return fmt.Errorf("cache: bigcache delete: %w", err)
	}
	return nil
}

func (l *Local) Ping(context.Context) error { return nil }

func (l *Local) Close() error {
	return l.cache.Close()
}

// New picks Redis when redisURL is set, otherwise a Local cache.
func New(ctx context.Context, redisURL string, ttl time.Duration) (Cache, error) {
	if redisURL != "" {
		return NewRedis(redisURL, "doctrust:", ttl)
	}
	return NewLocal(ctx, ttl)
}
