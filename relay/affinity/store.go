package affinity

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Laisky/zap"
	"github.com/go-redis/redis/v8"

	"github.com/llmgate/llmgate/common/logger"
)

// l2Store is the shared tier behind the in-process L1. Reverse indexes track
// which affinity keys point at an upstream key or provider so both can be
// purged on deactivation or circuit open.
type l2Store interface {
	Get(ctx context.Context, key string) (*Record, bool)
	Set(ctx context.Context, key string, rec *Record, ttl time.Duration)
	Del(ctx context.Context, keys ...string)
	AddIndex(ctx context.Context, indexKey, member string, ttl time.Duration)
	Members(ctx context.Context, indexKey string) []string
}

type redisStore struct {
	rdb redis.Cmdable
}

func newRedisStore(rdb redis.Cmdable) l2Store { return &redisStore{rdb: rdb} }

func (s *redisStore) Get(ctx context.Context, key string) (*Record, bool) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		logger.Logger.Warn("corrupt affinity record", zap.String("key", key), zap.Error(err))
		s.rdb.Del(ctx, key)
		return nil, false
	}
	return &rec, true
}

func (s *redisStore) Set(ctx context.Context, key string, rec *Record, ttl time.Duration) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		logger.Logger.Warn("write affinity record", zap.String("key", key), zap.Error(err))
	}
}

func (s *redisStore) Del(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	s.rdb.Del(ctx, keys...)
}

func (s *redisStore) AddIndex(ctx context.Context, indexKey, member string, ttl time.Duration) {
	s.rdb.SAdd(ctx, indexKey, member)
	s.rdb.Expire(ctx, indexKey, ttl)
}

func (s *redisStore) Members(ctx context.Context, indexKey string) []string {
	members, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil
	}
	return members
}

// memoryStore is the degraded single-replica tier used when Redis is disabled.
type memoryStore struct {
	mu      sync.Mutex
	records map[string]memoryEntry
	indexes map[string]map[string]struct{}
	now     func() time.Time
}

type memoryEntry struct {
	rec       *Record
	expiresAt time.Time
}

func newMemoryStore(now func() time.Time) l2Store {
	if now == nil {
		now = time.Now
	}
	return &memoryStore{
		records: make(map[string]memoryEntry),
		indexes: make(map[string]map[string]struct{}),
		now:     now,
	}
}

func (s *memoryStore) Get(_ context.Context, key string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[key]
	if !ok || s.now().After(e.expiresAt) {
		delete(s.records, key)
		return nil, false
	}
	copied := *e.rec
	return &copied, true
}

func (s *memoryStore) Set(_ context.Context, key string, rec *Record, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *rec
	s.records[key] = memoryEntry{rec: &copied, expiresAt: s.now().Add(ttl)}
}

func (s *memoryStore) Del(_ context.Context, keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.records, k)
	}
}

func (s *memoryStore) AddIndex(_ context.Context, indexKey, member string, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexes[indexKey]
	if idx == nil {
		idx = make(map[string]struct{})
		s.indexes[indexKey] = idx
	}
	idx[member] = struct{}{}
}

func (s *memoryStore) Members(_ context.Context, indexKey string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexes[indexKey]
	members := make([]string, 0, len(idx))
	for m := range idx {
		members = append(members, m)
	}
	return members
}
