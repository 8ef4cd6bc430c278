package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yomibot/backend/internal/metrics"
	"github.com/yomibot/backend/pkg/logger"
)

// retention bounds how long redis keeps an entry; freshness is still judged
// from the entry timestamp, and stale entries serve as fallbacks until then.
const retention = 7 * 24 * time.Hour

// RedisStore shares the cache between several bot processes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(host string, port int, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis cache initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return NewRedisStoreFromClient(client, prefix), nil
}

func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "yomibot"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(kind Kind, key string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, kind, key)
}

func (s *RedisStore) Load(ctx context.Context, kind Kind, key string) (*Entry, error) {
	data, err := s.client.Get(ctx, s.key(kind, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheMisses.WithLabelValues(string(kind)).Inc()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		metrics.CacheMisses.WithLabelValues(string(kind)).Inc()
		return nil, nil
	}

	metrics.CacheHits.WithLabelValues(string(kind)).Inc()
	return &entry, nil
}

// Save is a single SET, which redis applies atomically.
func (s *RedisStore) Save(ctx context.Context, kind Kind, key string, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	if err := s.client.Set(ctx, s.key(kind, key), data, retention).Err(); err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}

	logger.Debug("Cache entry saved", zap.String("kind", string(kind)), zap.String("key", key))
	return nil
}

// Invalidate removes every entry of one kind.
func (s *RedisStore) Invalidate(ctx context.Context, kind Kind) error {
	iter := s.client.Scan(ctx, 0, s.key(kind, "*"), 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.Error(err))
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Cache invalidated", zap.String("kind", string(kind)))
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
