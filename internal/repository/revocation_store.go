package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-session/internal/config"
)

// RedisRevocationStore keeps revoked token ids in Redis until the token
// would have expired anyway.
type RedisRevocationStore struct {
	rdb *redis.Client
}

// NewRedisRevocationStore creates a new RedisRevocationStore.
func NewRedisRevocationStore(rdb *redis.Client) *RedisRevocationStore {
	return &RedisRevocationStore{rdb: rdb}
}

func (r *RedisRevocationStore) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return r.rdb.Set(ctx, config.CacheKey.RevokedTokenKey(jti), 1, ttl).Err()
}

func (r *RedisRevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	err := r.rdb.Get(ctx, config.CacheKey.RevokedTokenKey(jti)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MemoryRevocationStore is an in-process revocation store with TTL eviction.
type MemoryRevocationStore struct {
	mu      sync.Mutex
	revoked map[string]time.Time
	now     func() time.Time
}

// NewMemoryRevocationStore creates an empty MemoryRevocationStore.
func NewMemoryRevocationStore(now func() time.Time) *MemoryRevocationStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryRevocationStore{revoked: make(map[string]time.Time), now: now}
}

func (m *MemoryRevocationStore) Revoke(_ context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictLocked()
	m.revoked[jti] = m.now().Add(ttl)
	return nil
}

func (m *MemoryRevocationStore) IsRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.revoked[jti]
	if !ok {
		return false, nil
	}
	if !m.now().Before(until) {
		delete(m.revoked, jti)
		return false, nil
	}
	return true, nil
}

// Len returns the number of live entries.
func (m *MemoryRevocationStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictLocked()
	return len(m.revoked)
}

func (m *MemoryRevocationStore) evictLocked() {
	now := m.now()
	for jti, until := range m.revoked {
		if !now.Before(until) {
			delete(m.revoked, jti)
		}
	}
}
