package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 5 * time.Second

// RedisStore persists globals in a Redis hash, one field per variable
// with the value JSON-encoded. Useful when runs on separate machines
// share global state.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to addr and uses key as the hash name.
func NewRedisStore(addr, key string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &RedisStore{client: client, key: key}, nil
}

func (s *RedisStore) Load() (map[string]any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load globals hash: %w", err)
	}

	m := make(map[string]any, len(fields))
	for name, raw := range fields {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("decode global %q: %w", name, err)
		}
		m[name] = v
	}
	return m, nil
}

// Save replaces the hash atomically via a pipelined DEL+HSET.
func (s *RedisStore) Save(m map[string]any) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	fields := make(map[string]string, len(m))
	for name, v := range m {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode global %q: %w", name, err)
		}
		fields[name] = string(raw)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key)
	if len(fields) > 0 {
		pipe.HSet(ctx, s.key, fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save globals hash: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
