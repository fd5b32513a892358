package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore implements Store on go-redis.
type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedis builds a Redis-backed Store and verifies connectivity.
func NewRedis(cfg Config) (Store, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: redis ping failed: %w", err)
	}

	return &redisStore{client: rdb, prefix: cfg.Prefix}, nil
}

func (s *redisStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

func (s *redisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (s *redisStore) Set(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, s.key(key), value, 0).Err()
}

func (s *redisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

func (s *redisStore) GetDel(ctx context.Context, key string) (string, error) {
	val, err := s.client.GetDel(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (s *redisStore) AtomicIncrement(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	k := s.key(key)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	if ttl > 0 {
		pipe.Expire(ctx, k, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *redisStore) AddToSet(ctx context.Context, key, member string) error {
	return s.client.SAdd(ctx, s.key(key), member).Err()
}

func (s *redisStore) RemoveFromSet(ctx context.Context, key, member string) (bool, error) {
	n, err := s.client.SRem(ctx, s.key(key), member).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *redisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, s.key(key)).Result()
}

func (s *redisStore) PushToList(ctx context.Context, key, value string) error {
	return s.client.LPush(ctx, s.key(key), value).Err()
}

func (s *redisStore) TrimList(ctx context.Context, key string, start, stop int64) error {
	return s.client.LTrim(ctx, s.key(key), start, stop).Err()
}

func (s *redisStore) RangeList(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, s.key(key), start, stop).Result()
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
