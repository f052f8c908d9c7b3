// Package pricing resolves the applicable price tier for a request and turns
// a token report into surface and actual cost.
package pricing

import (
	"encoding/json"

	"github.com/Laisky/errors/v2"
	"github.com/tidwall/gjson"

	"github.com/llmgate/llmgate/model"
	"github.com/llmgate/llmgate/relay/capability"
)

// Tier is one entry of a stepped price schedule. Prices are USD per million
// tokens. A nil UpTo marks the open-ended last tier.
type Tier struct {
	UpTo                  *int64  `json:"up_to"`
	InputPriceUSD         float64 `json:"input"`
	OutputPriceUSD        float64 `json:"output"`
	CacheCreationPriceUSD float64 `json:"cache_creation"`
	CacheReadPriceUSD     float64 `json:"cache_read"`
}

// Price is the resolved per-class rate applied to one request.
type Price struct {
	InputPriceUSD         float64
	OutputPriceUSD        float64
	CacheCreationPriceUSD float64
	CacheReadPriceUSD     float64
	PerRequestUSD         float64
	// TierIndex is -1 for flat pricing.
	TierIndex int
}

// TokenUsage is the per-class token report read back from the upstream
// response.
type TokenUsage struct {
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
}

// ContextSize is the tier selector: every token class that occupied the
// context window counts, output does not.
func (u TokenUsage) ContextSize() int64 {
	return int64(u.InputTokens) + int64(u.CacheCreationTokens) + int64(u.CacheReadTokens)
}

// ParseSchedule decodes a tiered-pricing column. The column holds either a
// bare tier array (the default table) or an object of named tables keyed by
// cache TTL class, e.g. {"default": [...], "cache_1h": [...]}.
func ParseSchedule(raw string) (map[string][]Tier, error) {
	if raw == "" {
		return nil, nil
	}
	parsed := gjson.Parse(raw)
	switch {
	case parsed.IsArray():
		var tiers []Tier
		if err := json.Unmarshal([]byte(raw), &tiers); err != nil {
			return nil, errors.Wrap(err, "parse tier array")
		}
		return map[string][]Tier{"default": tiers}, nil
	case parsed.IsObject():
		var tables map[string][]Tier
		if err := json.Unmarshal([]byte(raw), &tables); err != nil {
			return nil, errors.Wrap(err, "parse tier tables")
		}
		return tables, nil
	default:
		return nil, errors.Errorf("malformed tiered pricing: %q", raw)
	}
}

// selectTier picks the first tier whose upper bound covers contextSize; a
// boundary hit selects the lower tier.
func selectTier(tiers []Tier, contextSize int64) (Tier, int) {
	for i, t := range tiers {
		if t.UpTo == nil || contextSize <= *t.UpTo {
			return t, i
		}
	}
	// schedules should end open-ended; tolerate ones that do not
	last := len(tiers) - 1
	return tiers[last], last
}

// Resolve computes the effective price for one request on one model
// implementation. Precedence: tiered schedule, then impl overrides, then the
// global model defaults. requirements selects the cache-TTL price table.
func Resolve(impl *model.ModelImpl, gm *model.GlobalModel, usage TokenUsage, requirements map[string]bool) (Price, error) {
	price := Price{
		InputPriceUSD:         gm.InputPriceUSD,
		OutputPriceUSD:        gm.OutputPriceUSD,
		CacheCreationPriceUSD: gm.CacheCreationPriceUSD,
		CacheReadPriceUSD:     gm.CacheReadPriceUSD,
		PerRequestUSD:         gm.PricePerRequestUSD,
		TierIndex:             -1,
	}
	if impl != nil {
		if impl.InputPriceUSD != nil {
			price.InputPriceUSD = *impl.InputPriceUSD
		}
		if impl.OutputPriceUSD != nil {
			price.OutputPriceUSD = *impl.OutputPriceUSD
		}
		if impl.CacheCreationPriceUSD != nil {
			price.CacheCreationPriceUSD = *impl.CacheCreationPriceUSD
		}
		if impl.CacheReadPriceUSD != nil {
			price.CacheReadPriceUSD = *impl.CacheReadPriceUSD
		}
	}

	if impl == nil || impl.TieredPricing == "" {
		return price, nil
	}
	tables, err := ParseSchedule(impl.TieredPricing)
	if err != nil {
		return price, err
	}
	table := tables["default"]
	if requirements[capability.Cache1H] {
		if alt, ok := tables[capability.Cache1H]; ok {
			table = alt
		}
	}
	if len(table) == 0 {
		return price, nil
	}

	tier, idx := selectTier(table, usage.ContextSize())
	price.InputPriceUSD = tier.InputPriceUSD
	price.OutputPriceUSD = tier.OutputPriceUSD
	price.CacheCreationPriceUSD = tier.CacheCreationPriceUSD
	price.CacheReadPriceUSD = tier.CacheReadPriceUSD
	price.TierIndex = idx
	return price, nil
}

// SurfaceCost sums the token components at the posted rates. The per-request
// fee applies to successful requests only.
func SurfaceCost(price Price, usage TokenUsage, success bool) float64 {
	cost := float64(usage.InputTokens)*price.InputPriceUSD/1e6 +
		float64(usage.OutputTokens)*price.OutputPriceUSD/1e6 +
		float64(usage.CacheCreationTokens)*price.CacheCreationPriceUSD/1e6 +
		float64(usage.CacheReadTokens)*price.CacheReadPriceUSD/1e6
	if success {
		cost += price.PerRequestUSD
	}
	return cost
}

// ActualCost applies the key's rate multiplier, zeroed for free-tier
// providers.
func ActualCost(surface float64, key *model.ProviderKey, provider *model.Provider) float64 {
	if provider != nil && provider.BillingType == model.BillingFreeTier {
		return 0
	}
	multiplier := 1.0
	if key != nil && key.RateMultiplier > 0 {
		multiplier = key.RateMultiplier
	}
	return surface * multiplier
}
