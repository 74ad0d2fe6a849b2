package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authflow/core"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"AUTHFLOW_REDIS_ADDR"`
	Password string `yaml:"password" env:"AUTHFLOW_REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RedisEphemeralStore keeps ephemeral entries as Redis keys with a TTL; GETDEL
// makes Take atomic across instances.
type RedisEphemeralStore struct {
	client *redis.Client
	prefix string
}

func NewRedisEphemeralStore(ctx context.Context, cfg RedisConfig) (*RedisEphemeralStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "authflow:"
	}
	return &RedisEphemeralStore{client: client, prefix: prefix}, nil
}

func (s *RedisEphemeralStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisEphemeralStore) Put(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("ephemeral entry %s: expires_at must be in the future", key)
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to put ephemeral entry: %w", err)
	}
	return nil
}

func (s *RedisEphemeralStore) Take(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.GetDel(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take ephemeral entry: %w", err)
	}
	return value, nil
}

// Sweep is a no-op: Redis expires keys itself
func (s *RedisEphemeralStore) Sweep(ctx context.Context) (int64, error) {
	return 0, nil
}

func (s *RedisEphemeralStore) Close() error {
	return s.client.Close()
}
