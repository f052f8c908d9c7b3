// Package health tracks per-upstream-key outcome windows and drives the
// three-state circuit breaker that gates candidate selection.
package health

import (
	"math"
	"sync"
	"time"

	"github.com/Laisky/zap"

	"github.com/llmgate/llmgate/common/config"
	"github.com/llmgate/llmgate/common/logger"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Health score steps. The score orders candidates and feeds dashboards; the
// circuit state alone gates dispatch.
const (
	scoreSuccessStep   = 0.05
	scoreFailureStep   = 0.1
	scoreRecoveryFloor = 0.8
)

type outcome struct {
	at      time.Time
	success bool
}

type breaker struct {
	mu sync.Mutex

	window []outcome
	state  State
	score  float64

	consecutiveFailures int
	nextProbeAt         time.Time

	halfOpenSince     time.Time
	halfOpenSuccesses int
	halfOpenFailures  int
	probeInFlight     bool
}

// Monitor owns one breaker per upstream key id. The clock is injectable so
// TTL and backoff transitions are testable.
type Monitor struct {
	mu       sync.RWMutex
	breakers map[int]*breaker
	now      func() time.Time

	onStateChange func(keyId int, state State)
}

func NewMonitor(now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{breakers: make(map[int]*breaker), now: now}
}

// OnStateChange registers an observer for circuit transitions. Register it
// before traffic starts; the callback runs outside the breaker lock.
func (m *Monitor) OnStateChange(fn func(keyId int, state State)) {
	m.onStateChange = fn
}

func (m *Monitor) notify(keyId int, prev, cur State) {
	if cur != prev && m.onStateChange != nil {
		m.onStateChange(keyId, cur)
	}
}

func (m *Monitor) breakerFor(keyId int) *breaker {
	m.mu.RLock()
	b := m.breakers[keyId]
	m.mu.RUnlock()
	if b != nil {
		return b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b = m.breakers[keyId]; b == nil {
		b = &breaker{state: StateClosed, score: 1}
		m.breakers[keyId] = b
	}
	return b
}

// RecordSuccess feeds one successful attempt outcome into the key's window.
func (m *Monitor) RecordSuccess(keyId int) {
	m.record(keyId, true)
}

// RecordFailure feeds one failed attempt outcome into the key's window.
func (m *Monitor) RecordFailure(keyId int) {
	m.record(keyId, false)
}

func (m *Monitor) record(keyId int, success bool) {
	b := m.breakerFor(keyId)
	now := m.now()

	b.mu.Lock()
	prev := b.state
	b.recordLocked(now, success, keyId)
	cur := b.state
	b.mu.Unlock()

	m.notify(keyId, prev, cur)
}

func (b *breaker) recordLocked(now time.Time, success bool, keyId int) {
	b.expireHalfOpenLocked(now)

	b.window = append(b.window, outcome{at: now, success: success})
	b.pruneLocked(now)

	if success {
		b.score = math.Min(1, b.score+scoreSuccessStep)
	} else {
		b.score = math.Max(0, b.score-scoreFailureStep)
	}

	switch b.state {
	case StateClosed:
		if success {
			b.consecutiveFailures = 0
			return
		}
		b.consecutiveFailures++
		if len(b.window) >= config.HealthMinRequests &&
			b.failureRateLocked() >= config.HealthErrorRateThreshold {
			b.openLocked(now, keyId)
		}
	case StateHalfOpen:
		if success {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= config.HealthHalfOpenSuccessThreshold {
				b.closeLocked(keyId)
			}
			return
		}
		b.halfOpenFailures++
		b.consecutiveFailures++
		if b.halfOpenFailures >= config.HealthHalfOpenFailureThreshold {
			b.openLocked(now, keyId)
		}
	case StateOpen:
		// a straggler finishing after the circuit opened; the window already
		// recorded it, no transition
		if !success {
			b.consecutiveFailures++
		}
	}
}

// Allows reports whether the key may receive traffic. A due open circuit
// transitions to half-open here; only the probe holder should then dispatch.
func (m *Monitor) Allows(keyId int) bool {
	b := m.breakerFor(keyId)
	now := m.now()

	b.mu.Lock()
	prev := b.state
	allowed := b.allowsLocked(now, keyId)
	cur := b.state
	b.mu.Unlock()

	m.notify(keyId, prev, cur)
	return allowed
}

func (b *breaker) allowsLocked(now time.Time, keyId int) bool {
	b.expireHalfOpenLocked(now)

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return true
	case StateOpen:
		if now.Before(b.nextProbeAt) {
			return false
		}
		b.state = StateHalfOpen
		b.halfOpenSince = now
		b.halfOpenSuccesses = 0
		b.halfOpenFailures = 0
		b.probeInFlight = false
		logger.Logger.Info("circuit half-open", zap.Int("key_id", keyId))
		return true
	}
	return true
}

// TryAcquireProbe grants the single concurrent probe slot of a half-open key.
// Closed keys need no probe and always pass.
func (m *Monitor) TryAcquireProbe(keyId int) bool {
	b := m.breakerFor(keyId)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateHalfOpen {
		return b.state == StateClosed
	}
	if b.probeInFlight {
		return false
	}
	b.probeInFlight = true
	return true
}

// ReleaseProbe returns the probe slot after the probe attempt terminates.
func (m *Monitor) ReleaseProbe(keyId int) {
	b := m.breakerFor(keyId)
	b.mu.Lock()
	b.probeInFlight = false
	b.mu.Unlock()
}

// Status returns the key's current circuit state.
func (m *Monitor) Status(keyId int) State {
	b := m.breakerFor(keyId)
	now := m.now()
	b.mu.Lock()
	prev := b.state
	b.expireHalfOpenLocked(now)
	cur := b.state
	b.mu.Unlock()
	m.notify(keyId, prev, cur)
	return cur
}

// Score returns the key's [0, 1] health score.
func (m *Monitor) Score(keyId int) float64 {
	b := m.breakerFor(keyId)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.score
}

// Snapshot is one key's health view for the admin surface.
type Snapshot struct {
	KeyId               int     `json:"key_id"`
	State               State   `json:"state"`
	Score               float64 `json:"score"`
	WindowSize          int     `json:"window_size"`
	FailureRate         float64 `json:"failure_rate"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	NextProbeAt         int64   `json:"next_probe_at,omitempty"`
}

// Snapshots returns the health view of every tracked key.
func (m *Monitor) Snapshots() []Snapshot {
	m.mu.RLock()
	ids := make([]int, 0, len(m.breakers))
	for id := range m.breakers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	now := m.now()
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		b := m.breakerFor(id)
		b.mu.Lock()
		b.pruneLocked(now)
		snap := Snapshot{
			KeyId:               id,
			State:               b.state,
			Score:               b.score,
			WindowSize:          len(b.window),
			FailureRate:         b.failureRateLocked(),
			ConsecutiveFailures: b.consecutiveFailures,
		}
		if b.state == StateOpen {
			snap.NextProbeAt = b.nextProbeAt.Unix()
		}
		b.mu.Unlock()
		out = append(out, snap)
	}
	return out
}

// Reset forces one key's circuit back to closed with a clean window.
func (m *Monitor) Reset(keyId int) {
	b := m.breakerFor(keyId)
	b.mu.Lock()
	prev := b.state
	b.resetLocked()
	b.mu.Unlock()
	m.notify(keyId, prev, StateClosed)
}

// ResetAll clears every breaker's window and counters. An in-flight half-open
// probe is left to finish; its outcome lands in the fresh window.
func (m *Monitor) ResetAll() {
	m.mu.RLock()
	ids := make([]int, 0, len(m.breakers))
	for id := range m.breakers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Reset(id)
	}
}

func (b *breaker) resetLocked() {
	b.window = nil
	b.state = StateClosed
	b.score = 1
	b.consecutiveFailures = 0
	b.halfOpenSuccesses = 0
	b.halfOpenFailures = 0
	b.nextProbeAt = time.Time{}
}

func (b *breaker) pruneLocked(now time.Time) {
	horizon := now.Add(-time.Duration(config.HealthWindowSeconds) * time.Second)
	start := 0
	for start < len(b.window) && b.window[start].at.Before(horizon) {
		start++
	}
	if over := len(b.window) - start - config.HealthWindowSize; over > 0 {
		start += over
	}
	if start > 0 {
		b.window = append([]outcome(nil), b.window[start:]...)
	}
}

func (b *breaker) failureRateLocked() float64 {
	if len(b.window) == 0 {
		return 0
	}
	failures := 0
	for _, o := range b.window {
		if !o.success {
			failures++
		}
	}
	return float64(failures) / float64(len(b.window))
}

func (b *breaker) openLocked(now time.Time, keyId int) {
	b.state = StateOpen
	b.nextProbeAt = now.Add(b.backoffLocked())
	logger.Logger.Warn("circuit open",
		zap.Int("key_id", keyId),
		zap.Int("consecutive_failures", b.consecutiveFailures),
		zap.Time("next_probe_at", b.nextProbeAt))
}

func (b *breaker) closeLocked(keyId int) {
	b.state = StateClosed
	b.window = nil
	b.consecutiveFailures = 0
	b.halfOpenSuccesses = 0
	b.halfOpenFailures = 0
	b.score = math.Max(b.score, scoreRecoveryFloor)
	logger.Logger.Info("circuit closed", zap.Int("key_id", keyId))
}

// expireHalfOpenLocked re-opens a half-open circuit whose probe phase ran out
// without reaching either threshold.
func (b *breaker) expireHalfOpenLocked(now time.Time) {
	if b.state != StateHalfOpen {
		return
	}
	if now.Sub(b.halfOpenSince) < config.HealthHalfOpenDuration {
		return
	}
	b.state = StateOpen
	b.nextProbeAt = now.Add(b.backoffLocked())
	b.probeInFlight = false
}

// backoffLocked computes INITIAL × BASE^floor(cf/5), capped at MAX.
func (b *breaker) backoffLocked() time.Duration {
	initial := float64(config.HealthInitialRecoverySeconds)
	backoff := initial * math.Pow(config.HealthBackoffBase, math.Floor(float64(b.consecutiveFailures)/5))
	if maxSec := float64(config.HealthMaxRecoverySeconds); backoff > maxSec {
		backoff = maxSec
	}
	return time.Duration(backoff * float64(time.Second))
}
