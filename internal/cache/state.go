package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-security/kestrel/internal/domain"
)

// RedisStateStore keeps the controller's per-key evaluation state in Redis
// so multiple replicas share cooldown windows and delta baselines.
type RedisStateStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStateStore creates a Redis-backed evaluation state store. Entries
// expire after ttl; zero means 24 hours.
func NewRedisStateStore(addr, password string, db int, ttl time.Duration) (*RedisStateStore, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStateStore{client: client, ttl: ttl}, nil
}

// GetState returns the key's evaluation state, or nil when absent.
func (s *RedisStateStore) GetState(ctx context.Context, key string) (*domain.EvaluationState, error) {
	data, err := s.client.Get(ctx, s.makeKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var state domain.EvaluationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SetState replaces the key's evaluation state.
func (s *RedisStateStore) SetState(ctx context.Context, key string, state *domain.EvaluationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.makeKey(key), data, s.ttl).Err()
}

// Close closes the Redis connection.
func (s *RedisStateStore) Close() error {
	return s.client.Close()
}

func (s *RedisStateStore) makeKey(key string) string {
	return "kestrel:state:" + key
}
