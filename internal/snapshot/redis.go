package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/k1networth/outputfeed/internal/output"
)

// redisKV is the subset of go-redis the store needs.
type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

type RedisStore struct {
	kv     redisKV
	key    string
	closer func() error
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := newRedisStore(rdb, cfg.Key)
	s.closer = rdb.Close
	return s, nil
}

func newRedisStore(kv redisKV, key string) *RedisStore {
	if key == "" {
		key = "outputs"
	}
	return &RedisStore{kv: kv, key: key}
}

func (s *RedisStore) Load(ctx context.Context) ([]output.Event, error) {
	data, err := s.kv.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	return decodeWindow(data)
}

func (s *RedisStore) Save(ctx context.Context, window []output.Event) error {
	data, err := encodeWindow(window)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func (s *RedisStore) Name() string { return "redis" }
