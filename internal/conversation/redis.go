package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/toolgate/backend/internal/protocol"
)

const redisKeyPrefix = "toolgate:conv:"

// RedisStore backs continuations with Redis so that gateway pods behind a
// load balancer share conversational context. Expiry is delegated to Redis
// key TTLs; Sweep is a no-op.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed continuation store.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) key(id string) string { return redisKeyPrefix + id }

func (s *RedisStore) Begin(ctx context.Context) (string, error) {
	id := protocol.NewID()
	// Marker value keeps empty continuations alive until the first append.
	if err := s.client.Set(ctx, s.key(id)+":meta", "1", s.ttl).Err(); err != nil {
		return "", fmt.Errorf("redis SET continuation marker: %w", err)
	}
	return id, nil
}

func (s *RedisStore) exists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(id)+":meta").Result()
	if err != nil {
		return false, fmt.Errorf("redis EXISTS continuation: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Append(ctx context.Context, id string, turn Turn) error {
	ok, err := s.exists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownContinuation
	}

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	// RPUSH preserves append order; Redis serialises list ops per key.
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.key(id), data)
	pipe.Expire(ctx, s.key(id), s.ttl)
	pipe.Expire(ctx, s.key(id)+":meta", s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append turn: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, id string) ([]Turn, error) {
	ok, err := s.exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownContinuation
	}

	raw, err := s.client.LRange(ctx, s.key(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE continuation: %w", err)
	}

	turns := make([]Turn, 0, len(raw))
	for _, r := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, t)
	}

	// Touch idle TTL on read.
	pipe := s.client.TxPipeline()
	pipe.Expire(ctx, s.key(id), s.ttl)
	pipe.Expire(ctx, s.key(id)+":meta", s.ttl)
	_, _ = pipe.Exec(ctx)

	return turns, nil
}

// Sweep is a no-op: Redis evicts expired keys itself.
func (s *RedisStore) Sweep(context.Context) int { return 0 }
