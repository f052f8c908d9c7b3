package admission

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/llmgate/llmgate/common/config"
	"github.com/llmgate/llmgate/model"
	"github.com/llmgate/llmgate/relay/adaptive"
)

func intPtr(v int) *int { return &v }

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:adm_%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	model.DB = db
	require.NoError(t, db.AutoMigrate(&model.Provider{}))
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	setupTestDB(t)
	return NewController(NewProcessCounters(nil), adaptive.NewLearner(nil))
}

func testCandidate(t *testing.T, keyLimit int) (*model.Provider, *model.Endpoint, *model.ProviderKey) {
	t.Helper()
	provider := &model.Provider{Name: "p", Status: model.ProviderStatusEnabled}
	require.NoError(t, model.DB.Create(provider).Error)
	endpoint := &model.Endpoint{Id: 1, ProviderId: provider.Id, APIFormat: "claude"}
	key := &model.ProviderKey{Id: 1, EndpointId: endpoint.Id, MaxConcurrent: intPtr(keyLimit)}
	return provider, endpoint, key
}

func TestAcquireReleaseBalance(t *testing.T) {
	ctrl := newTestController(t)
	provider, endpoint, key := testCandidate(t, 2)
	endpoint.MaxConcurrent = intPtr(2)

	lease1, rej := ctrl.Acquire(context.Background(), provider, endpoint, key, true)
	require.Nil(t, rej)
	require.Equal(t, 1, lease1.ConcurrentAtAcquire)

	lease2, rej := ctrl.Acquire(context.Background(), provider, endpoint, key, true)
	require.Nil(t, rej)
	require.Equal(t, 2, lease2.ConcurrentAtAcquire)

	_, rej = ctrl.Acquire(context.Background(), provider, endpoint, key, true)
	require.NotNil(t, rej)
	require.Equal(t, ReasonKeyConcurrency, rej.Reason)

	lease1.Release()
	lease1.Release() // double release must not free a second slot

	lease3, rej := ctrl.Acquire(context.Background(), provider, endpoint, key, true)
	require.Nil(t, rej)
	require.Equal(t, 2, lease3.ConcurrentAtAcquire, "counters returned to pre-release value")

	lease2.Release()
	lease3.Release()
	lease4, rej := ctrl.Acquire(context.Background(), provider, endpoint, key, true)
	require.Nil(t, rej)
	require.Equal(t, 1, lease4.ConcurrentAtAcquire)
}

func TestEndpointConcurrencyGate(t *testing.T) {
	ctrl := newTestController(t)
	provider, endpoint, key := testCandidate(t, 100)
	endpoint.MaxConcurrent = intPtr(1)

	lease, rej := ctrl.Acquire(context.Background(), provider, endpoint, key, true)
	require.Nil(t, rej)

	_, rej = ctrl.Acquire(context.Background(), provider, endpoint, key, true)
	require.NotNil(t, rej)
	require.Equal(t, ReasonEndpointConcurrency, rej.Reason)

	lease.Release()
	lease, rej = ctrl.Acquire(context.Background(), provider, endpoint, key, true)
	require.Nil(t, rej)
	lease.Release()
}

func TestReservationBlocksNonAffine(t *testing.T) {
	ctrl := newTestController(t)
	provider, endpoint, key := testCandidate(t, 10)

	// probing phase reserves 10%: floor(0.1 × 10) = 1 slot for affine traffic
	var leases []*Lease
	for i := 0; i < 9; i++ {
		lease, rej := ctrl.Acquire(context.Background(), provider, endpoint, key, false)
		require.Nil(t, rej, "non-affine %d", i)
		leases = append(leases, lease)
	}
	_, rej := ctrl.Acquire(context.Background(), provider, endpoint, key, false)
	require.NotNil(t, rej)
	require.Equal(t, ReasonReservedForAffinity, rej.Reason)

	// the reserved slot is still open to affine traffic
	affine, rej := ctrl.Acquire(context.Background(), provider, endpoint, key, true)
	require.Nil(t, rej)
	require.Equal(t, 10, affine.ConcurrentAtAcquire)

	affine.Release()
	for _, l := range leases {
		l.Release()
	}
}

func TestKeyRPMGate(t *testing.T) {
	ctrl := newTestController(t)
	provider, endpoint, key := testCandidate(t, 100)
	key.RateLimit = intPtr(2)

	for i := 0; i < 2; i++ {
		lease, rej := ctrl.Acquire(context.Background(), provider, endpoint, key, true)
		require.Nil(t, rej)
		lease.Release()
	}
	// releases returned the concurrency slots but the minute window stays spent
	_, rej := ctrl.Acquire(context.Background(), provider, endpoint, key, true)
	require.NotNil(t, rej)
	require.Equal(t, ReasonKeyRPM, rej.Reason)
}

func TestKeyRPMInheritsEndpoint(t *testing.T) {
	ctrl := newTestController(t)
	provider, endpoint, key := testCandidate(t, 100)
	endpoint.RateLimit = intPtr(1)

	lease, rej := ctrl.Acquire(context.Background(), provider, endpoint, key, true)
	require.Nil(t, rej)
	lease.Release()

	_, rej = ctrl.Acquire(context.Background(), provider, endpoint, key, true)
	require.NotNil(t, rej)
	require.Equal(t, ReasonKeyRPM, rej.Reason)
}

func TestProviderMonthlyQuotaGate(t *testing.T) {
	ctrl := newTestController(t)
	provider, endpoint, key := testCandidate(t, 100)
	provider.BillingType = model.BillingMonthlyQuota
	quota := 10.0
	provider.MonthlyQuotaUSD = &quota
	provider.MonthlyUsedUSD = 10

	_, rej := ctrl.Acquire(context.Background(), provider, endpoint, key, true)
	require.NotNil(t, rej)
	require.Equal(t, ReasonProviderMonthlyQuota, rej.Reason)
}

func TestProviderRPMGateRollsBackKeySlots(t *testing.T) {
	ctrl := newTestController(t)
	provider, endpoint, key := testCandidate(t, 1)
	provider.RPMLimit = intPtr(1)
	require.NoError(t, model.DB.Model(&model.Provider{}).Where("id = ?", provider.Id).
		Update("rpm_limit", 1).Error)

	lease, rej := ctrl.Acquire(context.Background(), provider, endpoint, key, true)
	require.Nil(t, rej)
	lease.Release()

	fresh, err := model.GetProviderById(provider.Id)
	require.NoError(t, err)
	_, rej = ctrl.Acquire(context.Background(), fresh, endpoint, key, true)
	require.NotNil(t, rej)
	require.Equal(t, ReasonProviderRPM, rej.Reason)

	// rejection must have rolled the key slot back; expire the provider window
	// and the slot is usable again
	require.NoError(t, model.DB.Model(&model.Provider{}).Where("id = ?", provider.Id).
		Update("rpm_reset_at", 0).Error)
	fresh, err = model.GetProviderById(provider.Id)
	require.NoError(t, err)
	lease, rej = ctrl.Acquire(context.Background(), fresh, endpoint, key, true)
	require.Nil(t, rej)
	require.Equal(t, 1, lease.ConcurrentAtAcquire)
	lease.Release()
}

func TestReservationRatioPhases(t *testing.T) {
	ctrl := newTestController(t)
	key := &model.ProviderKey{Id: 50}

	// probing phase regardless of load
	require.InDelta(t, config.ProbeReservation, ctrl.ReservationRatio(key, 0.9), 1e-9)

	settled := &model.ProviderKey{
		Id:               51,
		LifetimeRequests: int64(config.ProbePhaseRequests) + 1,
		SuccessCount:     int64(config.ProbePhaseRequests) + 1,
	}
	// low load pins the minimum
	require.InDelta(t, config.StableMinReservation, ctrl.ReservationRatio(settled, 0.1), 1e-9)

	// high load with full confidence reaches the maximum
	r := ctrl.ReservationRatio(settled, 0.9)
	require.InDelta(t, config.StableMaxReservation, r, 1e-9)

	// mid load interpolates between the bounds
	mid := ctrl.ReservationRatio(settled, 0.6)
	require.GreaterOrEqual(t, mid, config.StableMinReservation)
	require.LessOrEqual(t, mid, config.StableMaxReservation)
	require.Less(t, mid, r)
}

func TestRedisCounters(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	counters := NewRedisCounters(rdb)
	ctx := context.Background()

	v, err := counters.IncrWithTTL(ctx, "conc:key:1", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, v)
	v, err = counters.IncrWithTTL(ctx, "conc:key:1", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 2, v)

	require.NoError(t, counters.Decr(ctx, "conc:key:1"))
	v, err = counters.IncrWithTTL(ctx, "conc:key:1", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 2, v)

	// decrement floors at zero
	require.NoError(t, counters.Decr(ctx, "conc:key:2"))
	v, err = counters.IncrWithTTL(ctx, "conc:key:2", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, v)

	// TTL expiry resets the counter
	_, err = counters.IncrWithTTL(ctx, "rpm:key:1:0", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)
	v, err = counters.IncrWithTTL(ctx, "rpm:key:1:0", time.Second)
	require.NoError(t, err)
	require.EqualValues(t, 1, v)
}

func TestProcessCountersTTL(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	counters := NewProcessCounters(func() time.Time { return now })
	ctx := context.Background()

	v, err := counters.IncrWithTTL(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, v)

	now = now.Add(2 * time.Minute)
	v, err = counters.IncrWithTTL(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, v, "expired entry restarts at one")
}
