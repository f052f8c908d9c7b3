package model

import (
	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"
)

const (
	ModelImplStatusEnabled  = 1
	ModelImplStatusDisabled = 2
)

const (
	// MappingTypeAlias rewrites only the catalog lookup; the outbound body
	// keeps the client's model name.
	MappingTypeAlias = "alias"
	// MappingTypeMapping also substitutes the provider-side model name in the
	// outbound body.
	MappingTypeMapping = "mapping"
)

// GlobalModel is the canonical model identity that aliases and provider
// implementations resolve to. Prices are USD per million tokens and act as
// defaults for implementations without overrides.
type GlobalModel struct {
	Id   int    `json:"id" gorm:"primaryKey"`
	Name string `json:"name" gorm:"uniqueIndex"`
	// SupportedCapabilities is a comma separated list of capability names.
	SupportedCapabilities string `json:"supported_capabilities"`

	InputPriceUSD         float64 `json:"input_price_usd" gorm:"default:0"`
	OutputPriceUSD        float64 `json:"output_price_usd" gorm:"default:0"`
	CacheCreationPriceUSD float64 `json:"cache_creation_price_usd" gorm:"default:0"`
	CacheReadPriceUSD     float64 `json:"cache_read_price_usd" gorm:"default:0"`
	// PricePerRequestUSD is a flat fee charged on successful requests only.
	PricePerRequestUSD float64 `json:"price_per_request_usd" gorm:"default:0"`

	CreatedAt int64 `json:"created_at" gorm:"bigint"`
}

func (m *GlobalModel) Supports(capability string) bool {
	return listContains(splitList(m.SupportedCapabilities), capability)
}

// CapabilityNames returns the model's advertised capabilities as a slice.
func (m *GlobalModel) CapabilityNames() []string {
	return splitList(m.SupportedCapabilities)
}

// ModelImpl is one provider's implementation of a global model, optionally
// with its own provider-side name, price overrides, and a tiered schedule.
type ModelImpl struct {
	Id            int `json:"id" gorm:"primaryKey"`
	ProviderId    int `json:"provider_id" gorm:"index;uniqueIndex:idx_impl_provider_model"`
	GlobalModelId int `json:"global_model_id" gorm:"index;uniqueIndex:idx_impl_provider_model"`
	// ProviderModelName is the name sent upstream; empty reuses the global name.
	ProviderModelName string `json:"provider_model_name"`
	Status            int    `json:"status" gorm:"default:1;index"`

	InputPriceUSD         *float64 `json:"input_price_usd"`
	OutputPriceUSD        *float64 `json:"output_price_usd"`
	CacheCreationPriceUSD *float64 `json:"cache_creation_price_usd"`
	CacheReadPriceUSD     *float64 `json:"cache_read_price_usd"`
	// TieredPricing holds a JSON schedule (relay/pricing parses it); empty
	// means flat pricing from the columns above or the global defaults.
	TieredPricing string `json:"tiered_pricing"`

	CreatedAt int64 `json:"created_at" gorm:"bigint"`
}

func (i *ModelImpl) IsEnabled() bool {
	return i != nil && i.Status == ModelImplStatusEnabled
}

// UpstreamModelName returns the name used in the outbound body.
func (i *ModelImpl) UpstreamModelName(globalName string) string {
	if i.ProviderModelName != "" {
		return i.ProviderModelName
	}
	return globalName
}

// ModelMapping is a model alias. A nil ProviderId makes the alias global; a
// provider-scoped alias wins over the global one during resolution.
type ModelMapping struct {
	Id                  int    `json:"id" gorm:"primaryKey"`
	SourceModel         string `json:"source_model" gorm:"index;uniqueIndex:idx_mapping_source_provider"`
	TargetGlobalModelId int    `json:"target_global_model_id" gorm:"index"`
	ProviderId          *int   `json:"provider_id" gorm:"uniqueIndex:idx_mapping_source_provider"`
	MappingType         string `json:"mapping_type" gorm:"type:varchar(16);default:'alias'"`
	CreatedAt           int64  `json:"created_at" gorm:"bigint"`
}

func GetGlobalModelById(id int) (*GlobalModel, error) {
	var m GlobalModel
	if err := DB.First(&m, "id = ?", id).Error; err != nil {
		return nil, errors.Wrapf(err, "get global model %d", id)
	}
	return &m, nil
}

func GetGlobalModelByName(name string) (*GlobalModel, error) {
	var m GlobalModel
	if err := DB.First(&m, "name = ?", name).Error; err != nil {
		return nil, errors.Wrapf(err, "get global model %q", name)
	}
	return &m, nil
}

func GetAllGlobalModels() ([]*GlobalModel, error) {
	var ms []*GlobalModel
	err := DB.Order("name asc").Find(&ms).Error
	return ms, errors.Wrap(err, "get global models")
}

func GetEnabledModelImpls() ([]*ModelImpl, error) {
	var impls []*ModelImpl
	err := DB.Where("status = ?", ModelImplStatusEnabled).Order("id asc").Find(&impls).Error
	return impls, errors.Wrap(err, "get enabled model impls")
}

// GetModelImpl fetches one provider's enabled implementation of a global model.
// gorm.ErrRecordNotFound means the provider does not serve the model.
func GetModelImpl(providerId, globalModelId int) (*ModelImpl, error) {
	var impl ModelImpl
	err := DB.Where("provider_id = ? AND global_model_id = ? AND status = ?",
		providerId, globalModelId, ModelImplStatusEnabled).First(&impl).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "get model impl provider=%d model=%d", providerId, globalModelId)
	}
	return &impl, nil
}

// GetModelMappings returns every alias with the given source model, global
// first then provider-scoped, so callers can apply scope precedence.
func GetModelMappings(sourceModel string) ([]*ModelMapping, error) {
	var mappings []*ModelMapping
	err := DB.Where("source_model = ?", sourceModel).Find(&mappings).Error
	return mappings, errors.Wrapf(err, "get model mappings for %q", sourceModel)
}
