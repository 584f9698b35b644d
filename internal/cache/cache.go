// Package cache remembers the download URL of ready archives so repeated
// requests skip the database and storage checks.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ArchiveCache maps a resource id to the URL of its ready archive.
type ArchiveCache interface {
	Get(ctx context.Context, resourceID string) (string, bool, error)
	Set(ctx context.Context, resourceID, url string, ttl time.Duration) error
	Delete(ctx context.Context, resourceID string) error
}

// RedisCache stores URLs in redis with an expiry.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to redis and checks the connection.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cannot connect to Redis at %s: %w", addr, err)
	}

	return &RedisCache{client: rdb}, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Get(ctx context.Context, resourceID string) (string, bool, error) {
	url, err := r.client.Get(ctx, urlKey(resourceID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return url, true, nil
}

func (r *RedisCache) Set(ctx context.Context, resourceID, url string, ttl time.Duration) error {
	return r.client.Set(ctx, urlKey(resourceID), url, ttl).Err()
}

func (r *RedisCache) Delete(ctx context.Context, resourceID string) error {
	return r.client.Del(ctx, urlKey(resourceID)).Err()
}

// Ping checks the redis connection.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the redis client.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

func urlKey(resourceID string) string {
	return "archive:url:" + resourceID
}

// NopCache never stores anything.
type NopCache struct{}

func (NopCache) Get(context.Context, string) (string, bool, error)        { return "", false, nil }
func (NopCache) Set(context.Context, string, string, time.Duration) error { return nil }
func (NopCache) Delete(context.Context, string) error                     { return nil }
