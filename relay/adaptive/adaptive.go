// Package adaptive converges the concurrency ceiling of adaptive-mode upstream
// keys toward the highest value the provider tolerates, driven by observed
// 429 classes. Decrease is multiplicative on concurrent-429s, increase is
// additive after sustained success at the ceiling.
package adaptive

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/Laisky/zap"

	"github.com/llmgate/llmgate/common/config"
	"github.com/llmgate/llmgate/common/logger"
	"github.com/llmgate/llmgate/model"
)

type keyState struct {
	mu sync.Mutex

	seeded  bool
	learned *int

	successStreak int

	concurrent429Count int
	rpm429Count        int
	last429At          *int64
	last429Type        string
	history            []model.LimitAdjustment

	lifetimeRequests int64
	successCount     int64

	dirty bool
}

// Learner holds the in-memory adaptive state per upstream key, seeded from the
// key row on first touch and flushed back periodically.
type Learner struct {
	mu     sync.Mutex
	states map[int]*keyState
	now    func() time.Time
}

func NewLearner(now func() time.Time) *Learner {
	if now == nil {
		now = time.Now
	}
	return &Learner{states: make(map[int]*keyState), now: now}
}

func (l *Learner) stateFor(key *model.ProviderKey) *keyState {
	l.mu.Lock()
	st := l.states[key.Id]
	if st == nil {
		st = &keyState{}
		l.states[key.Id] = st
	}
	l.mu.Unlock()

	st.mu.Lock()
	if !st.seeded {
		st.seeded = true
		if key.LearnedMaxConcurrent != nil {
			v := *key.LearnedMaxConcurrent
			st.learned = &v
		}
		st.concurrent429Count = key.Concurrent429Count
		st.rpm429Count = key.RPM429Count
		st.last429At = key.Last429At
		st.last429Type = key.Last429Type
		st.history = key.History()
		st.lifetimeRequests = key.LifetimeRequests
		st.successCount = key.SuccessCount
	}
	st.mu.Unlock()
	return st
}

// EffectiveLimit returns the key's live concurrency ceiling: the configured
// cap when set, the learned value in adaptive mode, or the cold-start ceiling
// before anything was learned.
func (l *Learner) EffectiveLimit(key *model.ProviderKey) int {
	if key.MaxConcurrent != nil {
		return *key.MaxConcurrent
	}
	st := l.stateFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.learned != nil {
		return *st.learned
	}
	return config.AdaptiveColdStartLimit
}

// OnAttemptStart counts one dispatched attempt toward the key's lifetime total.
func (l *Learner) OnAttemptStart(key *model.ProviderKey) {
	st := l.stateFor(key)
	st.mu.Lock()
	st.lifetimeRequests++
	st.dirty = true
	st.mu.Unlock()
}

// OnSuccess records one successful attempt. currentConcurrent is the key's
// in-flight count observed when the attempt was admitted; sustained success at
// the ceiling raises the learned limit by one step up to the hard cap.
func (l *Learner) OnSuccess(key *model.ProviderKey, currentConcurrent int) {
	st := l.stateFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.successCount++
	st.dirty = true
	if key.MaxConcurrent != nil {
		return
	}

	limit := config.AdaptiveColdStartLimit
	if st.learned != nil {
		limit = *st.learned
	}
	if currentConcurrent < limit {
		st.successStreak = 0
		return
	}
	st.successStreak++
	if st.successStreak < config.AdaptiveSuccessStepsBeforeIncrease {
		return
	}
	st.successStreak = 0
	next := limit + config.AdaptiveIncreaseStep
	if next > config.AdaptiveHardCap {
		next = config.AdaptiveHardCap
	}
	if next == limit {
		return
	}
	st.learned = &next
	st.appendHistoryLocked(l.now(), limit, next, "sustained_success")
	logger.Logger.Info("raised learned concurrency",
		zap.Int("key_id", key.Id), zap.Int("old", limit), zap.Int("new", next))
}

// OnConcurrent429 applies the multiplicative decrease after an upstream
// concurrency rejection. observedConcurrent is the in-flight count when the
// 429 arrived.
func (l *Learner) OnConcurrent429(key *model.ProviderKey, observedConcurrent int) {
	st := l.stateFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.concurrent429Count++
	st.mark429Locked(l.now(), model.RateLimit429Concurrent)
	st.successStreak = 0
	if key.MaxConcurrent != nil {
		return
	}

	old := config.AdaptiveColdStartLimit
	if st.learned != nil {
		old = *st.learned
	}
	if observedConcurrent <= 0 {
		observedConcurrent = old
	}
	next := int(math.Floor(float64(observedConcurrent) * config.AdaptiveDecreaseFactor))
	if next < 1 {
		next = 1
	}
	st.learned = &next
	st.appendHistoryLocked(l.now(), old, next, model.RateLimit429Concurrent)
	logger.Logger.Warn("lowered learned concurrency",
		zap.Int("key_id", key.Id), zap.Int("old", old), zap.Int("new", next),
		zap.Int("observed_concurrent", observedConcurrent))
}

// OnRPM429 records a rate-window rejection. It never alters the learned
// concurrency; the per-minute window is enforced at admission instead.
func (l *Learner) OnRPM429(key *model.ProviderKey) {
	st := l.stateFor(key)
	st.mu.Lock()
	st.rpm429Count++
	st.mark429Locked(l.now(), model.RateLimit429RPM)
	st.mu.Unlock()
}

// LifetimeRequests reports how many attempts the key has ever dispatched;
// the reservation controller uses it to detect the probing phase.
func (l *Learner) LifetimeRequests(key *model.ProviderKey) int64 {
	st := l.stateFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lifetimeRequests
}

// Confidence scores how settled the key's learned limit is, in [0, 1].
// Weighted from the lifetime success rate, hours since the last 429, and the
// stability of recent limit adjustments.
func (l *Learner) Confidence(key *model.ProviderKey) float64 {
	st := l.stateFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	successRate := 1.0
	if st.lifetimeRequests > 0 {
		successRate = float64(st.successCount) / float64(st.lifetimeRequests)
	}

	quietScore := 1.0
	if st.last429At != nil {
		hours := l.now().Sub(time.Unix(*st.last429At, 0)).Hours()
		quietScore = math.Min(1, math.Max(0, hours/24))
	}

	stability := 1.0
	if n := len(st.history); n >= 2 {
		deltas := make([]float64, 0, n)
		for _, adj := range st.history {
			deltas = append(deltas, float64(adj.NewLimit-adj.OldLimit))
		}
		stability = 1 / (1 + stddev(deltas))
	}

	return 0.5*successRate + 0.3*quietScore + 0.2*stability
}

// Reset drops the in-memory state and clears the persisted learning columns;
// the key restarts from the cold-start ceiling.
func (l *Learner) Reset(keyId int) error {
	l.mu.Lock()
	delete(l.states, keyId)
	l.mu.Unlock()
	return model.ResetLearning(keyId)
}

// Flush persists every dirty key state. Called from the background loop and
// once more during shutdown drain.
func (l *Learner) Flush(ctx context.Context) {
	l.mu.Lock()
	ids := make([]int, 0, len(l.states))
	for id := range l.states {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		l.mu.Lock()
		st := l.states[id]
		l.mu.Unlock()
		if st == nil {
			continue
		}

		st.mu.Lock()
		if !st.dirty {
			st.mu.Unlock()
			continue
		}
		row := &model.ProviderKey{
			Id:                 id,
			Concurrent429Count: st.concurrent429Count,
			RPM429Count:        st.rpm429Count,
			Last429At:          st.last429At,
			Last429Type:        st.last429Type,
			LifetimeRequests:   st.lifetimeRequests,
			SuccessCount:       st.successCount,
		}
		if st.learned != nil {
			v := *st.learned
			row.LearnedMaxConcurrent = &v
		}
		for _, adj := range st.history {
			row.AppendAdjustment(adj, config.AdaptiveHistorySize)
		}
		st.dirty = false
		st.mu.Unlock()

		if err := row.SaveAdaptiveState(); err != nil {
			logger.Logger.Error("flush adaptive state", zap.Int("key_id", id), zap.Error(err))
		}
	}
}

func (st *keyState) mark429Locked(now time.Time, kind string) {
	at := now.Unix()
	st.last429At = &at
	st.last429Type = kind
	st.dirty = true
}

func (st *keyState) appendHistoryLocked(now time.Time, old, next int, reason string) {
	st.history = append(st.history, model.LimitAdjustment{
		At:       now.Unix(),
		OldLimit: old,
		NewLimit: next,
		Reason:   reason,
	})
	if limit := config.AdaptiveHistorySize; limit > 0 && len(st.history) > limit {
		st.history = st.history[len(st.history)-limit:]
	}
	st.dirty = true
}

func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	variance := 0.0
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	return math.Sqrt(variance / float64(len(xs)))
}
