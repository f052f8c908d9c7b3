package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"

	"github.com/llmgate/llmgate/common"
	"github.com/llmgate/llmgate/common/config"
	"github.com/llmgate/llmgate/common/ctxkey"
	"github.com/llmgate/llmgate/model"
)

// Gateway-edge rate limits: a sliding window per mark+key, backed by Redis
// when available and by the per-process store otherwise.

const rateLimitTimeFormat = "2006-01-02T15:04:05.000"

// inMemoryRateLimiter keeps one timestamp ring per key; the single-replica
// fallback when Redis is absent.
type inMemoryRateLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	lastGC  time.Time
}

var memoryLimiter = &inMemoryRateLimiter{entries: make(map[string][]time.Time)}

func (l *inMemoryRateLimiter) allow(key string, maxRequestNum int, duration time.Duration) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastGC) > config.RateLimitKeyExpirationDuration {
		l.lastGC = now
		for k, ts := range l.entries {
			if len(ts) == 0 || now.Sub(ts[len(ts)-1]) > config.RateLimitKeyExpirationDuration {
				delete(l.entries, k)
			}
		}
	}

	ts := l.entries[key]
	cutoff := now.Add(-duration)
	for len(ts) > 0 && ts[0].Before(cutoff) {
		ts = ts[1:]
	}
	if len(ts) >= maxRequestNum {
		l.entries[key] = ts
		return false
	}
	l.entries[key] = append(ts, now)
	return true
}

func redisRateLimitAllow(ctx context.Context, key string, maxRequestNum int, duration int64) (bool, error) {
	rdb := common.RDB
	length, err := rdb.LLen(ctx, key).Result()
	if err != nil {
		return false, errors.Wrap(err, "rate limit llen")
	}
	if length < int64(maxRequestNum) {
		if err := rdb.LPush(ctx, key, time.Now().Format(rateLimitTimeFormat)).Err(); err != nil {
			return false, errors.Wrap(err, "rate limit lpush")
		}
		rdb.Expire(ctx, key, config.RateLimitKeyExpirationDuration)
		return true, nil
	}

	oldest, err := rdb.LIndex(ctx, key, -1).Result()
	if err != nil {
		return false, errors.Wrap(err, "rate limit lindex")
	}
	oldestTime, err := time.Parse(rateLimitTimeFormat, oldest)
	if err != nil {
		return false, errors.Wrap(err, "rate limit parse timestamp")
	}
	if int64(time.Since(oldestTime).Seconds()) < duration {
		rdb.Expire(ctx, key, config.RateLimitKeyExpirationDuration)
		return false, nil
	}
	if err := rdb.LPush(ctx, key, time.Now().Format(rateLimitTimeFormat)).Err(); err != nil {
		return false, errors.Wrap(err, "rate limit lpush")
	}
	rdb.LTrim(ctx, key, 0, int64(maxRequestNum-1))
	rdb.Expire(ctx, key, config.RateLimitKeyExpirationDuration)
	return true, nil
}

func rateLimit(c *gin.Context, mark, id string, maxRequestNum int, duration int64) {
	if maxRequestNum <= 0 {
		c.Next()
		return
	}
	key := fmt.Sprintf("rateLimit:%s:%s", mark, id)
	if common.IsRedisEnabled() {
		ok, err := redisRateLimitAllow(c.Request.Context(), key, maxRequestNum, duration)
		if err != nil {
			// Redis hiccups fail open through the per-process limiter
			ok = memoryLimiter.allow(key, maxRequestNum, time.Duration(duration)*time.Second)
		}
		if !ok {
			AbortWithError(c, http.StatusTooManyRequests, "rate_limit",
				errors.New("too many requests, slow down"))
			return
		}
		c.Next()
		return
	}
	if !memoryLimiter.allow(key, maxRequestNum, time.Duration(duration)*time.Second) {
		AbortWithError(c, http.StatusTooManyRequests, "rate_limit",
			errors.New("too many requests, slow down"))
		return
	}
	c.Next()
}

// GlobalAPIRateLimit bounds unauthenticated traffic per client IP.
func GlobalAPIRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		rateLimit(c, "GA", c.ClientIP(), config.PublicAPIRateLimitNum, config.PublicAPIRateLimitDuration)
	}
}

// RelayRateLimit bounds relay traffic per client key; a key-level RateLimit
// column overrides the global ceiling.
func RelayRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := config.LLMAPIRateLimitNum
		if key, ok := c.Get(ctxkey.ClientKey); ok {
			if ak, ok := key.(*model.ApiKey); ok && ak.RateLimit != nil {
				limit = *ak.RateLimit
			}
		}
		rateLimit(c, "LLM", fmt.Sprintf("%d", c.GetInt(ctxkey.ClientKeyId)),
			limit, config.LLMAPIRateLimitDuration)
	}
}
