package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayStore remembers which tokens have been redeemed.
type ReplayStore interface {
	// MarkUsed records id and reports whether this was its first use.
	MarkUsed(ctx context.Context, id string, ttl time.Duration) (bool, error)
}

// MemoryReplayStore keeps redeemed IDs in process memory.
type MemoryReplayStore struct {
	mu   sync.Mutex
	used map[string]time.Time
	now  func() time.Time
}

func NewMemoryReplayStore() *MemoryReplayStore {
	return &MemoryReplayStore{used: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryReplayStore) MarkUsed(_ context.Context, id string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, expires := range s.used {
		if now.After(expires) {
			delete(s.used, key)
		}
	}
	if _, ok := s.used[id]; ok {
		return false, nil
	}
	s.used[id] = now.Add(ttl)
	return true, nil
}

// RedisReplayStore shares redeemed IDs between endpoint replicas.
type RedisReplayStore struct {
	client *redis.Client
	prefix string
}

func NewRedisReplayStore(client *redis.Client) *RedisReplayStore {
	return &RedisReplayStore{client: client, prefix: "captcha:redeemed:"}
}

func (s *RedisReplayStore) MarkUsed(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	first, err := s.client.SetNX(ctx, s.prefix+id, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return first, nil
}

// Redeem verifies raw and marks it used; a second redemption fails with
// ErrReplayed.
func Redeem(ctx context.Context, issuer *Issuer, store ReplayStore, raw string) (*Claims, error) {
	claims, err := issuer.Verify(raw)
	if err != nil {
		return nil, err
	}
	first, err := store.MarkUsed(ctx, claims.InteractionID, issuer.TTL())
	if err != nil {
		return nil, err
	}
	if !first {
		return nil, ErrReplayed
	}
	return claims, nil
}
