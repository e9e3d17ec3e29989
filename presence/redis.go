package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements the Store interface using Redis.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a new RedisStore.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
	}
}

func presenceKey(connectionID string) string {
	return fmt.Sprintf("presence:%s", connectionID)
}

// Put stores a record in Redis with a TTL.
func (s *RedisStore) Put(ctx context.Context, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}
	return s.client.Set(ctx, presenceKey(record.ConnectionID), data, s.ttl).Err()
}

// Get retrieves a record from Redis.
func (s *RedisStore) Get(ctx context.Context, connectionID string) (*Record, error) {
	data, err := s.client.Get(ctx, presenceKey(connectionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence record: %w", err)
	}
	return &record, nil
}

// Delete removes a record from Redis.
func (s *RedisStore) Delete(ctx context.Context, connectionID string) error {
	return s.client.Del(ctx, presenceKey(connectionID)).Err()
}

// RefreshTTL updates the expiration time of a record. Missing keys are a no-op.
func (s *RedisStore) RefreshTTL(ctx context.Context, connectionID string) error {
	return s.client.Expire(ctx, presenceKey(connectionID), s.ttl).Err()
}
