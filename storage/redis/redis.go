// Package redis provides a Redis-backed KV implementation for deployments
// where broker state must be shared across processes. Any Redis-compatible
// server works (Redis, Valkey, managed offerings).
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relayauth/broker/storage"
)

// KV is a storage.KV backed by a Redis client. Keys map one-to-one to Redis
// keys; TTLs use native Redis expiry, so expired records disappear without
// any sweeping on the broker's side.
type KV struct {
	client redis.UniversalClient
	prefix string
}

var (
	_ storage.KV          = (*KV)(nil)
	_ storage.GetDeleter  = (*KV)(nil)
	_ storage.Incrementer = (*KV)(nil)
)

// New creates a Redis KV over an existing client. prefix namespaces every
// key (pass "" for none), letting several brokers share one database.
func New(client redis.UniversalClient, prefix string) *KV {
	return &KV{client: client, prefix: prefix}
}

// Dial connects to a Redis server at addr and returns a KV over it. The
// connection is verified with a PING before use.
func Dial(ctx context.Context, addr, password string, db int, prefix string) (*KV, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return New(client, prefix), nil
}

// Close releases the underlying client's connections.
func (kv *KV) Close() error {
	return kv.client.Close()
}

func (kv *KV) key(key string) string {
	return kv.prefix + key
}

// Put stores value under key with the given TTL (zero disables expiry).
func (kv *KV) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := kv.client.Set(ctx, kv.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// Get returns the value for key, mapping the Redis nil reply to
// storage.ErrNotFound.
func (kv *KV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := kv.client.Get(ctx, kv.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return data, nil
}

// Delete removes key. Absent keys are not an error.
func (kv *KV) Delete(ctx context.Context, key string) error {
	if err := kv.client.Del(ctx, kv.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// GetDelete atomically retrieves and removes key via GETDEL, making
// single-use redemption race-free across broker processes.
func (kv *KV) GetDelete(ctx context.Context, key string) ([]byte, error) {
	data, err := kv.client.GetDel(ctx, kv.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get-delete key: %w", err)
	}
	return data, nil
}

// Increment atomically increments the counter at key. INCR and EXPIRE NX run
// in one pipeline so the window TTL starts with the first increment and is
// never extended by later ones.
func (kv *KV) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	k := kv.key(key)

	pipe := kv.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	if ttl > 0 {
		pipe.ExpireNX(ctx, k, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return incr.Val(), nil
}
