package common

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/go-redis/redis/v8"

	"github.com/llmgate/llmgate/common/config"
	"github.com/llmgate/llmgate/common/logger"
)

var RDB redis.Cmdable

var redisEnabled atomic.Bool

func IsRedisEnabled() bool {
	return redisEnabled.Load()
}

func SetRedisEnabled(enabled bool) {
	redisEnabled.Store(enabled)
}

// InitRedisClient connects the shared Redis client. Without REDIS_URL the
// gateway runs with per-process counters only (single replica). With
// REQUIRE_REDIS=true an unreachable Redis after retry is a fatal error.
func InitRedisClient() (err error) {
	if config.RedisURL == "" {
		if config.RequireRedis {
			logger.Logger.Fatal("REQUIRE_REDIS is set but REDIS_URL is empty")
		}
		SetRedisEnabled(false)
		logger.Logger.Info("REDIS_URL not set, running with per-process counters")
		return nil
	}

	if config.RedisMasterName == "" {
		opt, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			logger.Logger.Fatal("failed to parse Redis connection string", zap.Error(err))
		}
		RDB = redis.NewClient(opt)
	} else {
		// sentinel / cluster mode
		logger.Logger.Info("Redis cluster mode enabled")
		RDB = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:      strings.Split(config.RedisURL, ","),
			Password:   config.RedisPassword,
			MasterName: config.RedisMasterName,
		})
	}

	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err = RDB.Ping(ctx).Result()
		cancel()
		if err == nil {
			break
		}
		if attempt >= 2 {
			if config.RequireRedis {
				logger.Logger.Fatal("Redis unreachable and REQUIRE_REDIS is set", zap.Error(err))
			}
			logger.Logger.Warn("Redis unreachable, degrading to per-process counters", zap.Error(err))
			SetRedisEnabled(false)
			RDB = nil
			return nil
		}
		logger.Logger.Warn("Redis ping failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		time.Sleep(time.Second)
	}

	SetRedisEnabled(true)
	logger.Logger.Info("Redis is enabled")
	return nil
}

func RedisSet(key string, value string, expiration time.Duration) error {
	ctx := context.Background()
	if RDB == nil {
		return errors.New("redis not initialized")
	}
	err := RDB.Set(ctx, key, value, expiration).Err()
	if err != nil {
		return errors.Wrapf(err, "failed to set redis key: %s", key)
	}
	return nil
}

func RedisGet(key string) (string, error) {
	ctx := context.Background()
	if RDB == nil {
		return "", errors.New("redis not initialized")
	}
	val, err := RDB.Get(ctx, key).Result()
	if err != nil {
		return "", errors.Wrapf(err, "failed to get redis key: %s", key)
	}
	return val, nil
}

func RedisDel(key string) error {
	ctx := context.Background()
	if RDB == nil {
		return errors.New("redis not initialized")
	}
	err := RDB.Del(ctx, key).Err()
	if err != nil {
		return errors.Wrapf(err, "failed to delete redis key: %s", key)
	}
	return nil
}
