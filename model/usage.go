package model

import (
	"context"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"

	"github.com/llmgate/llmgate/common/helper"
)

// Usage statuses. A row is created pending when the request enters the
// pipeline and finalised exactly once at terminal state.
const (
	UsageStatusPending = "pending"
	UsageStatusSuccess = "success"
	UsageStatusFailed  = "failed"
)

// Usage is the single billing record of one inbound request.
type Usage struct {
	Id        int64  `json:"id" gorm:"primaryKey"`
	RequestId string `json:"request_id" gorm:"type:char(32);uniqueIndex"`

	UserId     int `json:"user_id" gorm:"index"`
	ApiKeyId   int `json:"api_key_id" gorm:"index"`
	ProviderId int `json:"provider_id" gorm:"index"`
	EndpointId int `json:"endpoint_id"`
	KeyId      int `json:"key_id"`

	ModelName string `json:"model_name" gorm:"index"`
	APIFormat string `json:"api_format" gorm:"type:varchar(32)"`

	PromptTokens        int `json:"prompt_tokens" gorm:"default:0"`
	CompletionTokens    int `json:"completion_tokens" gorm:"default:0"`
	CacheCreationTokens int `json:"cache_creation_tokens" gorm:"default:0"`
	CacheReadTokens     int `json:"cache_read_tokens" gorm:"default:0"`

	// SurfaceCostUSD is the posted-rate cost; ActualCostUSD applies the key's
	// rate multiplier and is zero for free-tier providers.
	SurfaceCostUSD float64 `json:"surface_cost_usd" gorm:"default:0"`
	ActualCostUSD  float64 `json:"actual_cost_usd" gorm:"default:0"`
	TierIndex      int     `json:"tier_index" gorm:"default:0"`

	Status    string `json:"status" gorm:"type:varchar(16);index"`
	ErrorType string `json:"error_type" gorm:"type:varchar(32)"`
	// Attempts counts the upstream calls the fallback loop made for this
	// request, including failed ones.
	Attempts  int   `json:"attempts" gorm:"default:0"`
	LatencyMs int64 `json:"latency_ms" gorm:"bigint;default:0"`

	CreatedAt  int64  `json:"created_at" gorm:"bigint"`
	FinishedAt *int64 `json:"finished_at" gorm:"bigint"`
}

// UpsertUsage updates the row matching RequestId or creates it. Update-first
// keeps one row per request without relying on dialect-specific upserts.
func UpsertUsage(tx *gorm.DB, usage *Usage) error {
	if usage.RequestId == "" {
		return errors.New("usage request id is empty")
	}
	if usage.CreatedAt == 0 {
		usage.CreatedAt = helper.GetTimestamp()
	}
	result := tx.Model(&Usage{}).Where("request_id = ?", usage.RequestId).Updates(map[string]any{
		"user_id":               usage.UserId,
		"api_key_id":            usage.ApiKeyId,
		"provider_id":           usage.ProviderId,
		"endpoint_id":           usage.EndpointId,
		"key_id":                usage.KeyId,
		"model_name":            usage.ModelName,
		"api_format":            usage.APIFormat,
		"prompt_tokens":         usage.PromptTokens,
		"completion_tokens":     usage.CompletionTokens,
		"cache_creation_tokens": usage.CacheCreationTokens,
		"cache_read_tokens":     usage.CacheReadTokens,
		"surface_cost_usd":      usage.SurfaceCostUSD,
		"actual_cost_usd":       usage.ActualCostUSD,
		"tier_index":            usage.TierIndex,
		"status":                usage.Status,
		"error_type":            usage.ErrorType,
		"attempts":              usage.Attempts,
		"latency_ms":            usage.LatencyMs,
		"finished_at":           usage.FinishedAt,
	})
	if result.Error != nil {
		return errors.Wrapf(result.Error, "update usage for request %s", usage.RequestId)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	if err := tx.Create(usage).Error; err != nil {
		return errors.Wrapf(err, "create usage for request %s", usage.RequestId)
	}
	return nil
}

// CreatePendingUsage writes the initial pending row for a request.
func CreatePendingUsage(requestId string, userId, apiKeyId int, modelName, apiFormat string) error {
	usage := &Usage{
		RequestId: requestId,
		UserId:    userId,
		ApiKeyId:  apiKeyId,
		ModelName: modelName,
		APIFormat: apiFormat,
		Status:    UsageStatusPending,
		CreatedAt: helper.GetTimestamp(),
	}
	return UpsertUsage(DB, usage)
}

// FinalizeUsage moves the request's usage row to a terminal state and applies
// every balance debit in one transaction:
//
//   - provider.monthly_used_usd += actual (unconditional)
//   - standalone key: api_key.balance_used_usd += actual
//   - normal key: user.used_usd += actual, user.total_usd += actual
//
// standalone selects which ledger the actual cost lands in; a standalone debit
// never touches the owning user's counters.
func FinalizeUsage(ctx context.Context, usage *Usage, standalone bool) error {
	if usage.FinishedAt == nil {
		now := helper.GetTimestamp()
		usage.FinishedAt = &now
	}
	err := DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := UpsertUsage(tx, usage); err != nil {
			return err
		}
		if usage.ActualCostUSD == 0 {
			return nil
		}
		if usage.ProviderId != 0 {
			if err := AddProviderUsedUSD(tx, usage.ProviderId, usage.ActualCostUSD); err != nil {
				return err
			}
		}
		if standalone {
			return AddApiKeyUsedUSD(tx, usage.ApiKeyId, usage.ActualCostUSD)
		}
		return AddUserUsedUSD(tx, usage.UserId, usage.ActualCostUSD)
	})
	return errors.Wrapf(err, "finalize usage for request %s", usage.RequestId)
}

// GetUsageByRequestId fetches the billing record of one request.
func GetUsageByRequestId(requestId string) (*Usage, error) {
	var usage Usage
	if err := DB.First(&usage, "request_id = ?", requestId).Error; err != nil {
		return nil, errors.Wrapf(err, "get usage of request %s", requestId)
	}
	return &usage, nil
}
