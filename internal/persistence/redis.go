package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix matches the remote database namespace of the web client.
const DefaultKeyPrefix = "visited_stations/"

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisStore keeps collected flags in Redis under <prefix><code>.
type RedisStore struct {
	client redisClient
	prefix string
	logger *slog.Logger
}

func NewRedisStore(addr, password string, db int, prefix string, logger *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return newRedisStore(client, prefix, logger), nil
}

func newRedisStore(client redisClient, prefix string, logger *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "redis_store"),
	}
}

func (s *RedisStore) key(code string) string {
	return s.prefix + code
}

func (s *RedisStore) Get(ctx context.Context, code string) (bool, error) {
	val, err := s.client.Get(ctx, s.key(code)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, &ReadError{Key: code, Err: err}
	}
	visited, err := strconv.ParseBool(val)
	if err != nil {
		return false, &ReadError{Key: code, Err: fmt.Errorf("unexpected value %q: %w", val, err)}
	}
	return visited, nil
}

func (s *RedisStore) Set(ctx context.Context, code string, value bool) error {
	start := time.Now()
	if err := s.client.Set(ctx, s.key(code), strconv.FormatBool(value), 0).Err(); err != nil {
		return &WriteError{Key: code, Err: err}
	}
	s.logger.Debug("visited flag stored", "code", code, "visited", value, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
