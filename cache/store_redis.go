package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/YuminosukeSato/modl/pkg/errors"
)

// DefaultRedisPrefix はキーの名前空間
const DefaultRedisPrefix = "modl:memo:"

// RedisStore は複数のプロセスで共有する Redis の Store
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore は client を使う Store を作成する
// prefix が空なら DefaultRedisPrefix、ttl が 0 なら失効しない。
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// DialRedisStore は addr の Redis に接続し、Ping が通れば Store を返す
func DialRedisStore(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "cache: redis connection to %s failed", addr)
	}
	return NewRedisStore(client, "", ttl), nil
}

// Name は Store の実装
func (s *RedisStore) Name() string {
	return "redis"
}

// Get は Store の実装
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.ErrCacheMiss
	}
	if err != nil {
		return nil, errors.Wrap(err, "cache: redis get")
	}
	return val, nil
}

// Set は Store の実装
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, value, s.ttl).Err(); err != nil {
		return errors.Wrap(err, "cache: redis set")
	}
	return nil
}

// Delete は Store の実装
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return errors.Wrap(err, "cache: redis delete")
	}
	return nil
}

// Close は Redis クライアントを閉じる
func (s *RedisStore) Close() error {
	return s.client.Close()
}
