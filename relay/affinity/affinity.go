// Package affinity remembers which upstream triple last served each
// (client key, api format, model) so follow-up requests land on the same
// provider key and benefit from upstream prompt caching.
package affinity

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/maypok86/otter/v2"

	"github.com/llmgate/llmgate/common/config"
)

// Record is the sticky target of one (client key, api format, model) triple.
// The TTL slides: every refresh pushes ExpireAt forward.
type Record struct {
	ProviderId   int   `json:"provider_id"`
	EndpointId   int   `json:"endpoint_id"`
	KeyId        int   `json:"key_id"`
	CreatedAt    int64 `json:"created_at"`
	ExpireAt     int64 `json:"expire_at"`
	RequestCount int64 `json:"request_count"`
}

// Manager fronts the shared affinity store with a short-TTL in-process cache.
type Manager struct {
	l1  *otter.Cache[string, *Record]
	l2  l2Store
	now func() time.Time
}

// NewManager builds an affinity manager. A nil rdb selects the in-process
// degraded store (single replica only).
func NewManager(rdb redis.Cmdable, now func() time.Time) (*Manager, error) {
	if now == nil {
		now = time.Now
	}
	l1, err := otter.New[string, *Record](&otter.Options[string, *Record]{
		MaximumSize:      config.CacheAffinityL1MaxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, *Record](config.CacheAffinityL1TTL),
	})
	if err != nil {
		return nil, err
	}
	var l2 l2Store
	if rdb != nil {
		l2 = newRedisStore(rdb)
	} else {
		l2 = newMemoryStore(now)
	}
	return &Manager{l1: l1, l2: l2, now: now}, nil
}

func recordKey(clientKeyId int, format, model string) string {
	return fmt.Sprintf("affinity:%d:%s:%s", clientKeyId, format, model)
}

func keyIndex(keyId int) string {
	return fmt.Sprintf("affinity:bykey:%d", keyId)
}

func providerIndex(providerId int) string {
	return fmt.Sprintf("affinity:byprovider:%d", providerId)
}

// Lookup returns the live affinity target, if any.
func (m *Manager) Lookup(ctx context.Context, clientKeyId int, format, model string) (*Record, bool) {
	key := recordKey(clientKeyId, format, model)
	now := m.now().Unix()

	if rec, ok := m.l1.GetIfPresent(key); ok {
		if rec.ExpireAt > now {
			return rec, true
		}
		m.l1.Invalidate(key)
	}
	rec, ok := m.l2.Get(ctx, key)
	if !ok || rec.ExpireAt <= now {
		return nil, false
	}
	m.l1.Set(key, rec)
	return rec, true
}

// Touch writes or refreshes the affinity after a successful attempt. A target
// change resets the record; the same target slides the TTL and bumps the hit
// counter.
func (m *Manager) Touch(ctx context.Context, clientKeyId int, format, model string, providerId, endpointId, keyId int) {
	key := recordKey(clientKeyId, format, model)
	now := m.now()
	ttl := config.CacheAffinityDefaultTTL

	rec, ok := m.l2.Get(ctx, key)
	if !ok || rec.KeyId != keyId || rec.ExpireAt <= now.Unix() {
		rec = &Record{
			ProviderId: providerId,
			EndpointId: endpointId,
			KeyId:      keyId,
			CreatedAt:  now.Unix(),
		}
	}
	rec.RequestCount++
	rec.ExpireAt = now.Add(ttl).Unix()

	m.l2.Set(ctx, key, rec, ttl)
	// index TTL outlives the record so purges still find expired members
	m.l2.AddIndex(ctx, keyIndex(keyId), key, 2*ttl)
	m.l2.AddIndex(ctx, providerIndex(providerId), key, 2*ttl)
	m.l1.Set(key, rec)
}

// Invalidate drops one triple's affinity, e.g. after a terminal failure on the
// sticky target.
func (m *Manager) Invalidate(ctx context.Context, clientKeyId int, format, model string) {
	key := recordKey(clientKeyId, format, model)
	m.l1.Invalidate(key)
	m.l2.Del(ctx, key)
}

// InvalidateKey purges every affinity pointing at one upstream key; called
// when its circuit opens or the key is withdrawn.
func (m *Manager) InvalidateKey(ctx context.Context, keyId int) {
	m.purgeIndex(ctx, keyIndex(keyId))
}

// InvalidateProvider purges every affinity pointing at one provider; called on
// provider deactivation.
func (m *Manager) InvalidateProvider(ctx context.Context, providerId int) {
	m.purgeIndex(ctx, providerIndex(providerId))
}

func (m *Manager) purgeIndex(ctx context.Context, indexKey string) {
	members := m.l2.Members(ctx, indexKey)
	if len(members) > 0 {
		m.l2.Del(ctx, members...)
	}
	m.l2.Del(ctx, indexKey)
	// the L1 holds at most a few seconds of staleness; dropping it entirely is
	// cheaper than tracking members per tier
	m.l1.InvalidateAll()
}
