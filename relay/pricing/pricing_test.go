package pricing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llmgate/llmgate/model"
	"github.com/llmgate/llmgate/relay/capability"
)

const sonnetTiers = `[
	{"up_to": 200000, "input": 3, "output": 15, "cache_creation": 3.75, "cache_read": 0.3},
	{"up_to": null, "input": 6, "output": 22.5, "cache_creation": 7.5, "cache_read": 0.6}
]`

func floatPtr(v float64) *float64 { return &v }

func TestParseScheduleArray(t *testing.T) {
	tables, err := ParseSchedule(sonnetTiers)
	require.NoError(t, err)
	require.Len(t, tables["default"], 2)
	require.EqualValues(t, 200000, *tables["default"][0].UpTo)
	require.Nil(t, tables["default"][1].UpTo)
}

func TestParseScheduleTables(t *testing.T) {
	raw := `{"default": ` + sonnetTiers + `, "cache_1h": [{"up_to": null, "input": 3, "output": 15, "cache_creation": 6, "cache_read": 0.3}]}`
	tables, err := ParseSchedule(raw)
	require.NoError(t, err)
	require.Len(t, tables["default"], 2)
	require.Len(t, tables["cache_1h"], 1)
}

func TestParseScheduleMalformed(t *testing.T) {
	_, err := ParseSchedule(`"nope"`)
	require.Error(t, err)

	tables, err := ParseSchedule("")
	require.NoError(t, err)
	require.Nil(t, tables)
}

func TestTierBoundarySelectsLowerTier(t *testing.T) {
	tables, err := ParseSchedule(sonnetTiers)
	require.NoError(t, err)

	tier, idx := selectTier(tables["default"], 200000)
	require.Equal(t, 0, idx)
	require.EqualValues(t, 3, tier.InputPriceUSD)

	tier, idx = selectTier(tables["default"], 200001)
	require.Equal(t, 1, idx)
	require.EqualValues(t, 6, tier.InputPriceUSD)
}

func TestResolveTieredCost(t *testing.T) {
	impl := &model.ModelImpl{TieredPricing: `[
		{"up_to": 200000, "input": 3, "output": 15},
		{"up_to": null, "input": 6, "output": 22.5}
	]`}
	gm := &model.GlobalModel{}
	usage := TokenUsage{InputTokens: 250000, OutputTokens: 1000}

	price, err := Resolve(impl, gm, usage, nil)
	require.NoError(t, err)
	require.Equal(t, 1, price.TierIndex)

	surface := SurfaceCost(price, usage, true)
	require.InDelta(t, 1.5225, surface, 1e-9)

	key := &model.ProviderKey{RateMultiplier: 0.8}
	provider := &model.Provider{BillingType: model.BillingPayAsYouGo}
	require.InDelta(t, 1.5225*0.8, ActualCost(surface, key, provider), 1e-9)
}

func TestResolveCacheTTLTable(t *testing.T) {
	impl := &model.ModelImpl{TieredPricing: `{
		"default": [{"up_to": null, "input": 3, "output": 15, "cache_creation": 3.75}],
		"cache_1h": [{"up_to": null, "input": 3, "output": 15, "cache_creation": 6}]
	}`}
	gm := &model.GlobalModel{}
	usage := TokenUsage{InputTokens: 100, CacheCreationTokens: 1000}

	price, err := Resolve(impl, gm, usage, nil)
	require.NoError(t, err)
	require.EqualValues(t, 3.75, price.CacheCreationPriceUSD)

	price, err = Resolve(impl, gm, usage, map[string]bool{capability.Cache1H: true})
	require.NoError(t, err)
	require.EqualValues(t, 6, price.CacheCreationPriceUSD)
}

func TestResolveFlatWithOverrides(t *testing.T) {
	gm := &model.GlobalModel{InputPriceUSD: 3, OutputPriceUSD: 15, PricePerRequestUSD: 0.001}
	impl := &model.ModelImpl{InputPriceUSD: floatPtr(2.5)}
	usage := TokenUsage{InputTokens: 1000, OutputTokens: 100}

	price, err := Resolve(impl, gm, usage, nil)
	require.NoError(t, err)
	require.Equal(t, -1, price.TierIndex)
	require.EqualValues(t, 2.5, price.InputPriceUSD)
	require.EqualValues(t, 15, price.OutputPriceUSD)

	surface := SurfaceCost(price, usage, true)
	require.InDelta(t, 1000*2.5/1e6+100*15.0/1e6+0.001, surface, 1e-12)
}

func TestPerRequestFeeOnlyOnSuccess(t *testing.T) {
	price := Price{PerRequestUSD: 0.01}
	require.InDelta(t, 0.01, SurfaceCost(price, TokenUsage{}, true), 1e-12)
	require.Zero(t, SurfaceCost(price, TokenUsage{}, false))
}

func TestFreeTierZeroesActualCost(t *testing.T) {
	provider := &model.Provider{BillingType: model.BillingFreeTier}
	key := &model.ProviderKey{RateMultiplier: 2}
	require.Zero(t, ActualCost(1.5, key, provider))
}

func TestCacheTokensPriced(t *testing.T) {
	price := Price{CacheCreationPriceUSD: 3.75, CacheReadPriceUSD: 0.3}
	usage := TokenUsage{CacheCreationTokens: 1_000_000, CacheReadTokens: 1_000_000}
	require.InDelta(t, 4.05, SurfaceCost(price, usage, false), 1e-9)
}
