package admission

import (
	"context"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/go-redis/redis/v8"
)

// Counters is the shared counter surface the controller runs on. The Redis
// implementation is authoritative across replicas; the in-process fallback is
// only safe for a single replica and is selected when Redis is unavailable.
type Counters interface {
	// IncrWithTTL atomically increments key and returns the new value. The TTL
	// is refreshed on every increment so abandoned counters expire.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Decr atomically decrements key, flooring at zero.
	Decr(ctx context.Context, key string) error
}

type redisCounters struct {
	rdb redis.Cmdable
}

// NewRedisCounters returns shared counters backed by Redis.
func NewRedisCounters(rdb redis.Cmdable) Counters {
	return &redisCounters{rdb: rdb}
}

var decrFloorScript = redis.NewScript(`
local v = redis.call("DECR", KEYS[1])
if v < 0 then
	redis.call("SET", KEYS[1], "0")
	return 0
end
return v
`)

func (c *redisCounters) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrapf(err, "incr counter %s", key)
	}
	return incr.Val(), nil
}

func (c *redisCounters) Decr(ctx context.Context, key string) error {
	err := decrFloorScript.Run(ctx, c.rdb, []string{key}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrapf(err, "decr counter %s", key)
	}
	return nil
}

type processEntry struct {
	value     int64
	expiresAt time.Time
}

type processCounters struct {
	mu      sync.Mutex
	entries map[string]*processEntry
	now     func() time.Time
}

// NewProcessCounters returns per-process counters for degraded single-replica
// operation.
func NewProcessCounters(now func() time.Time) Counters {
	if now == nil {
		now = time.Now
	}
	return &processCounters{entries: make(map[string]*processEntry), now: now}
}

func (c *processCounters) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	e := c.entries[key]
	if e == nil || now.After(e.expiresAt) {
		e = &processEntry{}
		c.entries[key] = e
	}
	e.value++
	e.expiresAt = now.Add(ttl)
	return e.value, nil
}

func (c *processCounters) Decr(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[key]; e != nil && e.value > 0 {
		e.value--
	}
	return nil
}
