package token

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedemptionStore records nonce redemptions atomically. Redeem returns true
// only for the first caller of a given key; the check-and-set must be atomic
// so two concurrent redemptions cannot both win.
type RedemptionStore interface {
	Redeem(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// SessionNonceStore tracks the most recently issued nonce per session, for
// the optional single-active-token policy.
type SessionNonceStore interface {
	SetLatest(ctx context.Context, sessionID, nonce string, ttl time.Duration) error
	Latest(ctx context.Context, sessionID string) (string, error)
}

// RedisStore backs both stores with Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps a redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Redeem marks a nonce redeemed via SETNX; the key expires with the token.
func (s *RedisStore) Redeem(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, "attendance:nonce:"+key, 1, ttl).Result()
}

// SetLatest records the current nonce for a session.
func (s *RedisStore) SetLatest(ctx context.Context, sessionID, nonce string, ttl time.Duration) error {
	return s.client.Set(ctx, "attendance:session-nonce:"+sessionID, nonce, ttl).Err()
}

// Latest returns the current nonce for a session, or "" when none is live.
func (s *RedisStore) Latest(ctx context.Context, sessionID string) (string, error) {
	val, err := s.client.Get(ctx, "attendance:session-nonce:"+sessionID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// MemoryStore is an in-process store for dev and tests.
type MemoryStore struct {
	mu       sync.Mutex
	redeemed map[string]time.Time
	latest   map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		redeemed: make(map[string]time.Time),
		latest:   make(map[string]string),
	}
}

// Redeem marks the key redeemed, expiring stale entries lazily.
func (s *MemoryStore) Redeem(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if exp, ok := s.redeemed[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.redeemed[key] = now.Add(ttl)
	return true, nil
}

// SetLatest records the current nonce for a session.
func (s *MemoryStore) SetLatest(ctx context.Context, sessionID, nonce string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[sessionID] = nonce
	return nil
}

// Latest returns the current nonce for a session.
func (s *MemoryStore) Latest(ctx context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest[sessionID], nil
}
