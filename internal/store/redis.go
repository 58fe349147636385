package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisConfig configures a Redis-backed store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key.
	Prefix string
	// TTL expires keys that are not written again. Zero keeps them forever.
	TTL time.Duration
}

// RedisKV stores values in Redis.
type RedisKV struct {
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisKV connects and pings the server.
func NewRedisKV(ctx context.Context, cfg RedisConfig) (*RedisKV, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisKV{rdb: rdb, prefix: cfg.Prefix, ttl: cfg.TTL}, nil
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string) error {
	if err := r.rdb.Set(ctx, r.prefix+key, value, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Close closes the connection pool.
func (r *RedisKV) Close() error {
	return r.rdb.Close()
}
