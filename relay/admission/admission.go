// Package admission acquires the capacity a candidate needs before one
// outbound attempt: endpoint and key concurrency slots, the key's per-minute
// window, and the provider's RPM and monthly-quota gates. Successful
// acquisition yields a lease that must be released exactly once.
package admission

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/llmgate/llmgate/common/config"
	"github.com/llmgate/llmgate/model"
	"github.com/llmgate/llmgate/relay/adaptive"
)

// Rejection reasons.
const (
	ReasonEndpointConcurrency  = "endpoint_concurrency"
	ReasonKeyConcurrency       = "key_concurrency"
	ReasonReservedForAffinity  = "reserved_for_affinity"
	ReasonKeyRPM               = "key_rpm"
	ReasonProviderRPM          = "provider_rpm"
	ReasonProviderMonthlyQuota = "provider_monthly_quota"
)

// concurrencyTTL is the leak guard on concurrency counters; every admitted
// attempt refreshes it and every release decrements before it fires.
const concurrencyTTL = 10 * time.Minute

const rpmWindow = time.Minute

// Rejection explains why a candidate was not admitted. Admission rejections
// are retriable: the fallback loop moves to the next candidate.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return "admission rejected: " + r.Reason }

// Lease holds the acquired slots of one attempt. Release is idempotent and
// must run on every exit path.
type Lease struct {
	// ConcurrentAtAcquire is the key's in-flight count including this attempt;
	// the adaptive learner reads it on success and on concurrent-429s.
	ConcurrentAtAcquire int

	once    sync.Once
	release func()
}

func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(l.release)
}

// Controller coordinates all admission gates on top of a Counters backend.
type Controller struct {
	counters Counters
	learner  *adaptive.Learner
}

func NewController(counters Counters, learner *adaptive.Learner) *Controller {
	return &Controller{counters: counters, learner: learner}
}

func endpointConcKey(id int) string { return fmt.Sprintf("conc:endpoint:%d", id) }
func keyConcKey(id int) string      { return fmt.Sprintf("conc:key:%d", id) }
func keyRPMKey(id int, bucket int64) string {
	return fmt.Sprintf("rpm:key:%d:%d", id, bucket)
}

// Acquire runs every gate for one candidate. affine marks requests that
// arrived via a cache-affinity hit; only they may use the reserved slots.
func (c *Controller) Acquire(ctx context.Context, provider *model.Provider, endpoint *model.Endpoint, key *model.ProviderKey, affine bool) (*Lease, *Rejection) {
	if !provider.HasMonthlyQuota() {
		return nil, &Rejection{Reason: ReasonProviderMonthlyQuota}
	}

	var undo []func()
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	// endpoint concurrency
	if endpoint.MaxConcurrent != nil && *endpoint.MaxConcurrent > 0 {
		ck := endpointConcKey(endpoint.Id)
		val, err := c.counters.IncrWithTTL(ctx, ck, concurrencyTTL)
		if err != nil {
			return nil, &Rejection{Reason: ReasonEndpointConcurrency}
		}
		undo = append(undo, func() { _ = c.counters.Decr(context.Background(), ck) })
		if val > int64(*endpoint.MaxConcurrent) {
			rollback()
			return nil, &Rejection{Reason: ReasonEndpointConcurrency}
		}
	}

	// key concurrency with dynamic reservation
	limit := c.learner.EffectiveLimit(key)
	if limit < 1 {
		limit = 1
	}
	kk := keyConcKey(key.Id)
	val, err := c.counters.IncrWithTTL(ctx, kk, concurrencyTTL)
	if err != nil {
		rollback()
		return nil, &Rejection{Reason: ReasonKeyConcurrency}
	}
	undo = append(undo, func() { _ = c.counters.Decr(context.Background(), kk) })
	if val > int64(limit) {
		rollback()
		return nil, &Rejection{Reason: ReasonKeyConcurrency}
	}
	if !affine {
		loadFactor := float64(val) / float64(limit)
		reserved := int64(math.Floor(c.ReservationRatio(key, loadFactor) * float64(limit)))
		if val > int64(limit)-reserved {
			rollback()
			return nil, &Rejection{Reason: ReasonReservedForAffinity}
		}
	}
	concurrent := int(val)

	// key RPM (inherits the endpoint's budget when unset)
	rpmLimit := key.RateLimit
	if rpmLimit == nil {
		rpmLimit = endpoint.RateLimit
	}
	if rpmLimit != nil && *rpmLimit > 0 {
		bucket := time.Now().Unix() / 60
		rk := keyRPMKey(key.Id, bucket)
		rv, err := c.counters.IncrWithTTL(ctx, rk, 2*rpmWindow)
		if err != nil {
			rollback()
			return nil, &Rejection{Reason: ReasonKeyRPM}
		}
		undo = append(undo, func() { _ = c.counters.Decr(context.Background(), rk) })
		if rv > int64(*rpmLimit) {
			rollback()
			return nil, &Rejection{Reason: ReasonKeyRPM}
		}
	}

	// provider RPM window lives in the configuration store (lazy reset)
	ok, err := model.TakeProviderRPM(provider)
	if err != nil || !ok {
		rollback()
		return nil, &Rejection{Reason: ReasonProviderRPM}
	}

	// only concurrency slots are returned on release; consumed RPM stays spent
	lease := &Lease{ConcurrentAtAcquire: concurrent}
	lease.release = func() {
		if endpoint.MaxConcurrent != nil && *endpoint.MaxConcurrent > 0 {
			_ = c.counters.Decr(context.Background(), endpointConcKey(endpoint.Id))
		}
		_ = c.counters.Decr(context.Background(), keyConcKey(key.Id))
	}
	return lease, nil
}

// ReservationRatio computes the fraction of the key's slots held for affine
// traffic from the key's phase, the learner's confidence, and current load.
func (c *Controller) ReservationRatio(key *model.ProviderKey, loadFactor float64) float64 {
	if c.learner.LifetimeRequests(key) < int64(config.ProbePhaseRequests) {
		return config.ProbeReservation
	}
	if loadFactor < config.LowLoadThreshold {
		return config.StableMinReservation
	}
	confidence := c.learner.Confidence(key)
	span := config.StableMaxReservation - config.StableMinReservation
	var r float64
	if loadFactor > config.HighLoadThreshold {
		r = config.StableMinReservation + confidence*span
	} else {
		r = config.StableMinReservation + confidence*loadFactor*span
	}
	return math.Min(config.StableMaxReservation, math.Max(config.StableMinReservation, r))
}
