package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists lock state as a single JSON document in Redis. It is
// the store of choice when several operator tools need to observe the lock
// without reading the daemon's filesystem.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a Redis-backed lock state store.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "efb:failover:lock_state"
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Save(ctx context.Context, state PersistedLockState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling lock state: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("writing lock state to redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) (*PersistedLockState, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading lock state from redis: %w", err)
	}

	var state PersistedLockState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshaling lock state: %w", err)
	}
	return &state, nil
}
