// Package idempotency implements the Gateway's idempotency cache (spec
// §4.5, §5): a concurrent map, keyed by (principal.subject, idempotency_key),
// of cached terminal responses with a configured TTL. Grounded on the
// teacher's internal/session.Store interface (Get/Put/Delete shape) and
// internal/session/redis_store.go's go-redis wiring, adapted from
// long-lived proxy sessions to a short-TTL response cache — the kill/
// resume/timeout lifecycle of the teacher's Session has no analogue here,
// so only the storage-backing shape carries over.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"elida/internal/types"
)

// Key identifies one idempotent response slot.
type Key struct {
	Subject        string
	IdempotencyKey string
}

// Store is the backing interface for the idempotency cache. MemoryStore is
// the default (spec §5 "concurrent map with TTL"); RedisStore backs
// config.IdempotencyConfig.Store == "redis" for a distributed cache shared
// across gateway processes.
type Store interface {
	Get(k Key) (*types.Response, bool)
	Put(k Key, resp *types.Response, ttl time.Duration)
}

type entry struct {
	resp    *types.Response
	expires time.Time
}

// MemoryStore is an in-process, TTL-evicted idempotency cache guarded by a
// single mutex (fine-grained enough given the cache is a short-lived
// point lookup, not a hot path under lock contention for this workload).
type MemoryStore struct {
	mu      sync.Mutex
	entries map[Key]entry
}

// NewMemoryStore creates an empty in-memory idempotency cache.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[Key]entry)}
}

// Get returns the cached response for k if present and not expired.
func (s *MemoryStore) Get(k Key) (*types.Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		delete(s.entries, k)
		return nil, false
	}
	return e.resp, true
}

// Put stores resp under k with the given TTL, overwriting any prior entry.
func (s *MemoryStore) Put(k Key, resp *types.Response, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[k] = entry{resp: resp, expires: time.Now().Add(ttl)}
}

// Sweep removes expired entries; callers run it periodically (e.g. from a
// background ticker) to bound map growth between lookups.
func (s *MemoryStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, e := range s.entries {
		if now.After(e.expires) {
			delete(s.entries, k)
		}
	}
}

// Len reports the number of entries currently held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Cache wraps a Store with the default TTL and the (subject, key) -> Key
// derivation used by the Gateway, so callers don't reconstruct Key by hand.
type Cache struct {
	store      Store
	defaultTTL time.Duration
}

// New creates a Cache over store; every Remember call stores its entry
// with defaultTTL.
func New(store Store, defaultTTL time.Duration) *Cache {
	return &Cache{store: store, defaultTTL: defaultTTL}
}

// Lookup returns a previously cached terminal response for (subject, key),
// if any. An empty idempotencyKey never hits the cache (spec §4.5:
// idempotency only applies "if idempotency_key is set").
func (c *Cache) Lookup(subject, idempotencyKey string) (*types.Response, bool) {
	if idempotencyKey == "" {
		return nil, false
	}
	return c.store.Get(Key{Subject: subject, IdempotencyKey: idempotencyKey})
}

// Remember caches resp for (subject, key) using the Cache's default TTL.
func (c *Cache) Remember(subject, idempotencyKey string, resp *types.Response) {
	if idempotencyKey == "" {
		return
	}
	c.store.Put(Key{Subject: subject, IdempotencyKey: idempotencyKey}, resp, c.defaultTTL)
}

// marshalForRedis/unmarshalFromRedis let RedisStore reuse types.Response's
// existing JSON tags rather than inventing a second wire format.
func marshalForRedis(resp *types.Response) ([]byte, error) {
	return json.Marshal(resp)
}

func unmarshalFromRedis(data []byte) (*types.Response, error) {
	var resp types.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RedisConfig holds Redis connection configuration for the idempotency cache.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore implements Store over Redis so idempotent responses are shared
// across gateway replicas, not just one process. Grounded on the teacher's
// internal/session/redis_store.go: same go-redis client setup and startup
// ping, minus the pub/sub kill-signal machinery that response caching has
// no use for.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies reachability with a ping.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "gateway:idem:"
	}

	slog.Info("redis idempotency store initialized", "addr", cfg.Addr, "key_prefix", keyPrefix)
	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

func (s *RedisStore) redisKey(k Key) string {
	return s.keyPrefix + k.Subject + ":" + k.IdempotencyKey
}

// Get retrieves a cached response, if any, from Redis.
func (s *RedisStore) Get(k Key) (*types.Response, bool) {
	ctx := context.Background()
	data, err := s.client.Get(ctx, s.redisKey(k)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		slog.Error("redis idempotency get failed", "error", err)
		return nil, false
	}
	resp, err := unmarshalFromRedis(data)
	if err != nil {
		slog.Error("redis idempotency response unmarshal failed", "error", err)
		return nil, false
	}
	return resp, true
}

// Put stores resp under k with the given TTL.
func (s *RedisStore) Put(k Key, resp *types.Response, ttl time.Duration) {
	ctx := context.Background()
	data, err := marshalForRedis(resp)
	if err != nil {
		slog.Error("redis idempotency response marshal failed", "error", err)
		return
	}
	if err := s.client.Set(ctx, s.redisKey(k), data, ttl).Err(); err != nil {
		slog.Error("redis idempotency set failed", "error", err)
	}
}

// Close closes the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
