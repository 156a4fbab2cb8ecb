// Package cache defines the external distributed cache assumed by spec §1
// (a key/value store with TTL) and two implementations: an in-memory one
// for tests and single-instance runs, and a Redis-backed one for real
// deployments. The interface mirrors the get/set/delete shape
// dexidp/dex's storage.Storage update-by-closure style uses, simplified
// for a cache tier that has no transactional guarantees.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the TTL-bearing key/value store the core treats as the
// authority on liveness (see internal/store's fallthrough store, and
// design note 9.3 cache/DB duality).
type Cache interface {
	// Get unmarshals the cached value for key into dst. Returns (false, nil)
	// on a clean miss.
	Get(ctx context.Context, name, key string, dst any) (bool, error)
	// Set stores value under key with the given TTL.
	Set(ctx context.Context, name, key string, value any, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, name, key string) error
}

func compose(name, key string) string { return name + ":" + key }

// Memory is an in-process Cache, used in tests and single-instance runs.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	data    []byte
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry)}
}

func (m *Memory) Get(_ context.Context, name, key string, dst any) (bool, error) {
	m.mu.Lock()
	e, ok := m.entries[compose(name, key)]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		m.mu.Lock()
		delete(m.entries, compose(name, key))
		m.mu.Unlock()
		return false, nil
	}
	if err := json.Unmarshal(e.data, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memory) Set(_ context.Context, name, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[compose(name, key)] = memEntry{data: b, expires: exp}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, name, key string) error {
	m.mu.Lock()
	delete(m.entries, compose(name, key))
	m.mu.Unlock()
	return nil
}

// Redis is a Cache backed by go-redis, for real multi-instance deployments
// where the cache tier must be shared across server processes (spec §5:
// "the cache holds auth codes, session state, JWK-latest indices, and the
// login-time average").
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, name, key string, dst any) (bool, error) {
	b, err := r.client.Get(ctx, compose(name, key)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Redis) Set(ctx context.Context, name, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, compose(name, key), b, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, name, key string) error {
	return r.client.Del(ctx, compose(name, key)).Err()
}
