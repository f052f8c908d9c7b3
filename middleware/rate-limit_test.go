package middleware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterWindow(t *testing.T) {
	l := &inMemoryRateLimiter{entries: make(map[string][]time.Time)}

	for i := 0; i < 3; i++ {
		require.True(t, l.allow("k", 3, time.Minute))
	}
	require.False(t, l.allow("k", 3, time.Minute))
	require.True(t, l.allow("other", 3, time.Minute), "keys are independent")
}

func TestMemoryLimiterSlides(t *testing.T) {
	l := &inMemoryRateLimiter{entries: make(map[string][]time.Time)}

	require.True(t, l.allow("k", 1, 10*time.Millisecond))
	require.False(t, l.allow("k", 1, 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	require.True(t, l.allow("k", 1, 10*time.Millisecond), "window slid past the old entry")
}

func TestRateLimitMiddlewareExists(t *testing.T) {
	require.NotNil(t, GlobalAPIRateLimit())
	require.NotNil(t, RelayRateLimit())
}
