package loaders

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	zen "github.com/wippyai/zen-runtime"
)

// DefaultRedisPrefix namespaces decision keys.
const DefaultRedisPrefix = "zen:decision:"

// Redis stores decision content as plain string values.
type Redis struct {
	client backend.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithPrefix replaces DefaultRedisPrefix.
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithTTL expires stored decisions. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = ttl }
}

// NewRedis wraps an existing client.
func NewRedis(client backend.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: DefaultRedisPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RedisURL connects using a redis:// URL.
func RedisURL(url string, opts ...RedisOption) (*Redis, error) {
	o, err := backend.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedis(backend.NewClient(o), opts...), nil
}

// Load implements zen.Loader.
func (r *Redis) Load(ctx context.Context, key string) ([]byte, error) {
	content, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if stderrors.Is(err, backend.Nil) {
		return nil, zen.ErrDecisionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return normalize(key, content)
}

// Put stores content under key.
func (r *Redis) Put(ctx context.Context, key string, content []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, content, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
