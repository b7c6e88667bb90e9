package kv

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisStore is a Store backed by a Redis/KeyDB instance, giving
// embedders a shared, externally-durable backing store instead of the
// single-process MemStore or SQLiteStore.
type RedisStore struct {
	client *redis.Client
	prefix string
	setKey string // set of known keys, since Redis has no native KEYS-by-prefix scan guarantee under cluster mode
}

func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: namespace + ":kv:",
		setKey: namespace + ":kv:keys",
	}
}

func (r *RedisStore) keyName(key string) string { return r.prefix + key }

func (r *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	raw, err := r.client.Get(ctx, r.keyName(key)).Bytes()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode record %q: %w", key, err)
	}
	return rec, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %q: %w", key, err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.keyName(key), data, 0)
	pipe.SAdd(ctx, r.setKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := r.client.SMembers(ctx, r.setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return keys, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
