package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/inkwell/childbook/internal/model"
)

// RedisStore keeps the record under a single key so a server process and
// the CLI can share one instance.
type RedisStore struct {
	redis *redis.Client
	key   string
}

// NewRedisStore creates a redis-backed store
func NewRedisStore(rdb *redis.Client, key string) *RedisStore {
	return &RedisStore{redis: rdb, key: key}
}

func (s *RedisStore) Load(ctx context.Context) (*model.InstanceRecord, error) {
	data, err := s.redis.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load instance record: %w", err)
	}

	var rec model.InstanceRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.URL == "" {
		return nil, nil
	}
	return &rec, nil
}

func (s *RedisStore) Save(ctx context.Context, rec model.InstanceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal instance record: %w", err)
	}
	if err := s.redis.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save instance record: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.redis.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to clear instance record: %w", err)
	}
	return nil
}
