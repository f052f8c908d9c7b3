package config

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/llmgate/llmgate/common/env"
)

var (
	// SessionSecretEnvValue keeps the raw SESSION_SECRET input so other packages can warn about placeholder values.
	SessionSecretEnvValue = strings.TrimSpace(env.String("SESSION_SECRET", ""))
	// SessionSecret stores the effective secret used to derive the upstream-key encryption key.
	// When the provided secret is absent or has an unsupported length it is replaced or hashed
	// to a 32-byte base64 token in init().
	SessionSecret = SessionSecretEnvValue

	// ServerPort overrides the --port flag when running inside container or PaaS environments.
	ServerPort = strings.TrimSpace(env.String("PORT", ""))
	// GinMode allows forcing Gin into release mode (or other modes) without recompiling.
	GinMode = strings.TrimSpace(env.String("GIN_MODE", ""))

	// DebugEnabled toggles verbose structured logging when DEBUG=true.
	DebugEnabled = env.Bool("DEBUG", false)
	// DebugSQLEnabled toggles per-query SQL logging when DEBUG_SQL=true.
	DebugSQLEnabled = env.Bool("DEBUG_SQL", false)

	// DatabaseURL provides the primary database DSN; empty indicates that SQLite should be used.
	DatabaseURL = strings.TrimSpace(env.String("DATABASE_URL", ""))
	// SQLitePath specifies the SQLite database file path when DATABASE_URL is absent.
	SQLitePath = env.String("SQLITE_PATH", "llmgate.db")
	// SQLiteBusyTimeout configures SQLite busy timeout in milliseconds to mitigate locking errors.
	SQLiteBusyTimeout = env.Int("SQLITE_BUSY_TIMEOUT", 3000)

	// SQLMaxIdleConns controls the primary database pool's idle connection count.
	SQLMaxIdleConns = env.Int("SQL_MAX_IDLE_CONNS", 100)
	// SQLMaxOpenConns controls the primary database pool's maximum open connections.
	SQLMaxOpenConns = env.Int("SQL_MAX_OPEN_CONNS", 1000)
	// SQLMaxLifetimeSeconds sets how long database connections live before being recycled (seconds).
	SQLMaxLifetimeSeconds = env.Int("SQL_MAX_LIFETIME", 300)

	// RedisURL defines the Redis connection string; leaving it empty disables Redis features.
	RedisURL = strings.TrimSpace(env.String("REDIS_URL", ""))
	// RedisMasterName enables Redis sentinel/cluster discovery when provided.
	RedisMasterName = strings.TrimSpace(env.String("REDIS_MASTER_NAME", ""))
	// RedisPassword supplies the Redis authentication password when required.
	RedisPassword = env.String("REDIS_PASSWORD", "")
	// RequireRedis makes an unreachable Redis a fatal startup error instead of
	// falling back to per-process counters.
	RequireRedis = env.Bool("REQUIRE_REDIS", false)

	// SyncFrequency controls how frequently config-entity caches refresh from the database (seconds).
	SyncFrequency = env.Int("SYNC_FREQUENCY", 60)

	// RelayTimeout bounds upstream HTTP requests (seconds) before aborting them; 0 means unbounded.
	RelayTimeout = env.Int("RELAY_TIMEOUT", 0)
	// ShutdownTimeoutSec specifies the graceful shutdown timeout (seconds) for the HTTP server and background workers.
	ShutdownTimeoutSec = env.Int("SHUTDOWN_TIMEOUT", 120)

	// LLMAPIRateLimitNum bounds the number of relay API calls per client key within a one minute window.
	LLMAPIRateLimitNum = env.Int("LLM_API_RATE_LIMIT", 480)
	// LLMAPIRateLimitDuration sets the duration (seconds) of the relay key rate limit window.
	LLMAPIRateLimitDuration int64 = 60
	// PublicAPIRateLimitNum bounds the number of unauthenticated requests per IP within a one minute window.
	PublicAPIRateLimitNum = env.Int("PUBLIC_API_RATE_LIMIT", 120)
	// PublicAPIRateLimitDuration sets the duration (seconds) of the per-IP rate limit window.
	PublicAPIRateLimitDuration int64 = 60

	// MaxRetryCandidates caps how many fallback candidates one request may attempt.
	MaxRetryCandidates = env.Int("MAX_RETRY_CANDIDATES", 8)

	// StandaloneBalanceFloorUSD is the minimum standalone-key balance required to
	// pass the pre-flight quota gate.
	StandaloneBalanceFloorUSD = env.Float64("STANDALONE_BALANCE_FLOOR_USD", 0)
)

// Health monitor / circuit breaker tuning (per upstream key).
var (
	// HealthWindowSize is the number of outcomes kept in the sliding window.
	HealthWindowSize = env.Int("HEALTH_WINDOW_SIZE", 20)
	// HealthWindowSeconds bounds the age of outcomes counted by the window.
	HealthWindowSeconds = env.Int("HEALTH_WINDOW_SECONDS", 120)
	// HealthErrorRateThreshold is the failure rate at which a closed circuit opens.
	HealthErrorRateThreshold = env.Float64("HEALTH_ERROR_RATE_THRESHOLD", 0.6)
	// HealthMinRequests is the minimum window population before the circuit may open.
	HealthMinRequests = env.Int("HEALTH_MIN_REQUESTS", 5)
	// HealthHalfOpenDuration bounds how long a half-open probe phase may last.
	HealthHalfOpenDuration = time.Second * time.Duration(env.Int("HEALTH_HALF_OPEN_DURATION", 30))
	// HealthHalfOpenSuccessThreshold closes the circuit after this many half-open successes.
	HealthHalfOpenSuccessThreshold = env.Int("HEALTH_HALF_OPEN_SUCCESS_THRESHOLD", 3)
	// HealthHalfOpenFailureThreshold re-opens the circuit after this many half-open failures.
	HealthHalfOpenFailureThreshold = env.Int("HEALTH_HALF_OPEN_FAILURE_THRESHOLD", 2)
	// HealthInitialRecoverySeconds is the base backoff before the first half-open probe.
	HealthInitialRecoverySeconds = env.Int("HEALTH_INITIAL_RECOVERY_SECONDS", 10)
	// HealthMaxRecoverySeconds caps the exponential probe backoff.
	HealthMaxRecoverySeconds = env.Int("HEALTH_MAX_RECOVERY_SECONDS", 600)
	// HealthBackoffBase is the exponent base of the probe backoff; the exponent
	// grows by one for every five consecutive failures.
	HealthBackoffBase = env.Float64("HEALTH_BACKOFF_BASE", 2.0)
)

// Cache affinity tuning.
var (
	// CacheAffinityDefaultTTL is the sliding TTL of an affinity record.
	CacheAffinityDefaultTTL = time.Second * time.Duration(env.Int("CACHE_AFFINITY_DEFAULT_TTL", 300))
	// CacheAffinityL1TTL is the TTL of the in-process affinity cache.
	CacheAffinityL1TTL = time.Second * time.Duration(env.Int("CACHE_AFFINITY_L1_TTL", 15))
	// CacheAffinityL1MaxSize bounds the in-process affinity cache entry count.
	CacheAffinityL1MaxSize = env.Int("CACHE_AFFINITY_L1_MAX_SIZE", 10000)
)

// Adaptive concurrency learning + dynamic reservation tuning.
var (
	// AdaptiveDecreaseFactor multiplies the observed concurrency on a concurrent-429.
	AdaptiveDecreaseFactor = env.Float64("ADAPTIVE_DECREASE_FACTOR", 0.7)
	// AdaptiveIncreaseStep is the additive raise applied after sustained success.
	AdaptiveIncreaseStep = env.Int("ADAPTIVE_INCREASE_STEP", 1)
	// AdaptiveSuccessStepsBeforeIncrease is how many consecutive successes at the
	// ceiling are required before raising it.
	AdaptiveSuccessStepsBeforeIncrease = env.Int("ADAPTIVE_SUCCESS_STEPS_BEFORE_INCREASE", 20)
	// AdaptiveHardCap is the absolute ceiling for a learned concurrency limit.
	AdaptiveHardCap = env.Int("ADAPTIVE_HARD_CAP", 256)
	// AdaptiveColdStartLimit is the effective limit for an adaptive key with no history.
	AdaptiveColdStartLimit = env.Int("ADAPTIVE_COLD_START_LIMIT", 16)
	// AdaptiveHistorySize bounds the per-key ring of learned-limit adjustments.
	AdaptiveHistorySize = env.Int("ADAPTIVE_HISTORY_SIZE", 32)
	// AdaptiveFlushIntervalSec controls how often learned state is persisted (seconds).
	AdaptiveFlushIntervalSec = env.Int("ADAPTIVE_FLUSH_INTERVAL", 30)

	// ProbePhaseRequests is the lifetime request count below which a key is
	// still considered to be in the probing phase for reservation purposes.
	ProbePhaseRequests = env.Int("PROBE_PHASE_REQUESTS", 200)
	// ProbeReservation is the reservation ratio used during the probing phase.
	ProbeReservation = env.Float64("PROBE_RESERVATION", 0.1)
	// StableMinReservation is the lower bound of the dynamic reservation ratio.
	StableMinReservation = env.Float64("STABLE_MIN_RESERVATION", 0.1)
	// StableMaxReservation is the upper bound of the dynamic reservation ratio.
	StableMaxReservation = env.Float64("STABLE_MAX_RESERVATION", 0.5)
	// LowLoadThreshold is the load factor below which only the minimum is reserved.
	LowLoadThreshold = env.Float64("LOW_LOAD_THRESHOLD", 0.5)
	// HighLoadThreshold is the load factor above which confidence alone drives the ratio.
	HighLoadThreshold = env.Float64("HIGH_LOAD_THRESHOLD", 0.8)
)

// RateLimitKeyExpirationDuration controls how long Redis keys for rate limiting remain valid.
var RateLimitKeyExpirationDuration = 20 * time.Minute

func init() {
	if SessionSecretEnvValue == "" {
		fmt.Println("SESSION_SECRET not set, using random secret")
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic(fmt.Sprintf("failed to generate random secret: %v", err))
		}

		SessionSecret = base64.StdEncoding.EncodeToString(key)
	} else if !slices.Contains([]int{16, 24, 32}, len(SessionSecretEnvValue)) {
		hashed := sha256.Sum256([]byte(SessionSecretEnvValue))
		SessionSecret = base64.StdEncoding.EncodeToString(hashed[:32])
	}
}

// IsProduction reports whether the process should enforce production-only
// constraints such as requiring PostgreSQL.
func IsProduction() bool {
	return GinMode == "release" || strings.EqualFold(env.String("ENV", ""), "production")
}
