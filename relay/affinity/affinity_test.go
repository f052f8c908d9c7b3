package affinity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/llmgate/llmgate/common/config"
)

func newTestManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	m, err := NewManager(nil, func() time.Time { return now })
	require.NoError(t, err)
	return m, &now
}

func TestTouchAndLookup(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, ok := m.Lookup(ctx, 1, "claude", "claude-3-5-sonnet")
	require.False(t, ok)

	m.Touch(ctx, 1, "claude", "claude-3-5-sonnet", 10, 20, 30)
	rec, ok := m.Lookup(ctx, 1, "claude", "claude-3-5-sonnet")
	require.True(t, ok)
	require.Equal(t, 10, rec.ProviderId)
	require.Equal(t, 20, rec.EndpointId)
	require.Equal(t, 30, rec.KeyId)
	require.EqualValues(t, 1, rec.RequestCount)

	// a different model is a different triple
	_, ok = m.Lookup(ctx, 1, "claude", "claude-3-opus")
	require.False(t, ok)
	_, ok = m.Lookup(ctx, 2, "claude", "claude-3-5-sonnet")
	require.False(t, ok)
}

func TestSlidingTTL(t *testing.T) {
	m, now := newTestManager(t)
	ctx := context.Background()

	m.Touch(ctx, 1, "claude", "m", 1, 1, 1)

	// refresh just before expiry slides the deadline forward
	*now = now.Add(config.CacheAffinityDefaultTTL - time.Second)
	m.Touch(ctx, 1, "claude", "m", 1, 1, 1)

	*now = now.Add(config.CacheAffinityDefaultTTL - time.Second)
	rec, ok := m.Lookup(ctx, 1, "claude", "m")
	require.True(t, ok)
	require.EqualValues(t, 2, rec.RequestCount)

	// without a refresh the record expires
	*now = now.Add(2 * time.Second)
	_, ok = m.Lookup(ctx, 1, "claude", "m")
	require.False(t, ok)
}

func TestTouchDifferentTargetResets(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	m.Touch(ctx, 1, "claude", "m", 1, 1, 1)
	m.Touch(ctx, 1, "claude", "m", 2, 2, 2)

	rec, ok := m.Lookup(ctx, 1, "claude", "m")
	require.True(t, ok)
	require.Equal(t, 2, rec.KeyId)
	require.EqualValues(t, 1, rec.RequestCount, "counter restarts on target change")
}

func TestInvalidate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	m.Touch(ctx, 1, "claude", "m", 1, 1, 1)
	m.Invalidate(ctx, 1, "claude", "m")
	_, ok := m.Lookup(ctx, 1, "claude", "m")
	require.False(t, ok)
}

func TestInvalidateKeyPurgesAllTriples(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	m.Touch(ctx, 1, "claude", "m1", 1, 1, 7)
	m.Touch(ctx, 2, "openai", "m2", 1, 2, 7)
	m.Touch(ctx, 3, "claude", "m3", 1, 1, 8)

	m.InvalidateKey(ctx, 7)

	_, ok := m.Lookup(ctx, 1, "claude", "m1")
	require.False(t, ok)
	_, ok = m.Lookup(ctx, 2, "openai", "m2")
	require.False(t, ok)
	rec, ok := m.Lookup(ctx, 3, "claude", "m3")
	require.True(t, ok, "other keys keep their affinities")
	require.Equal(t, 8, rec.KeyId)
}

func TestInvalidateProviderPurgesAllTriples(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	m.Touch(ctx, 1, "claude", "m1", 5, 1, 1)
	m.Touch(ctx, 2, "claude", "m2", 5, 1, 2)
	m.Touch(ctx, 3, "claude", "m3", 6, 2, 3)

	m.InvalidateProvider(ctx, 5)

	_, ok := m.Lookup(ctx, 1, "claude", "m1")
	require.False(t, ok)
	_, ok = m.Lookup(ctx, 2, "claude", "m2")
	require.False(t, ok)
	_, ok = m.Lookup(ctx, 3, "claude", "m3")
	require.True(t, ok)
}

func TestRedisBackedManager(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m, err := NewManager(rdb, nil)
	require.NoError(t, err)
	ctx := context.Background()

	m.Touch(ctx, 1, "gemini", "gemini-1.5-pro", 3, 4, 5)
	rec, ok := m.Lookup(ctx, 1, "gemini", "gemini-1.5-pro")
	require.True(t, ok)
	require.Equal(t, 5, rec.KeyId)

	// a second manager over the same store sees the record (L1 miss, L2 hit)
	m2, err := NewManager(rdb, nil)
	require.NoError(t, err)
	rec, ok = m2.Lookup(ctx, 1, "gemini", "gemini-1.5-pro")
	require.True(t, ok)
	require.Equal(t, 3, rec.ProviderId)

	m2.InvalidateKey(ctx, 5)
	_, ok = m.Lookup(ctx, 1, "gemini", "gemini-1.5-pro")
	require.True(t, ok, "m1 still holds an L1 copy for up to the L1 TTL")
	_, ok = m2.Lookup(ctx, 1, "gemini", "gemini-1.5-pro")
	require.False(t, ok)
}
