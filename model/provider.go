package model

import (
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"gorm.io/gorm"

	"github.com/llmgate/llmgate/common/helper"
	"github.com/llmgate/llmgate/common/logger"
)

const (
	ProviderStatusEnabled  = 1
	ProviderStatusDisabled = 2
)

// Billing types. monthly_quota providers stop dispatching when the monthly
// budget is exhausted; free_tier providers always bill an actual cost of 0.
const (
	BillingPayAsYouGo   = "pay_as_you_go"
	BillingMonthlyQuota = "monthly_quota"
	BillingFreeTier     = "free_tier"
)

type Provider struct {
	Id              int      `json:"id" gorm:"primaryKey"`
	Name            string   `json:"name" gorm:"index"`
	Priority        int64    `json:"priority" gorm:"bigint;default:100;index"`
	BillingType     string   `json:"billing_type" gorm:"type:varchar(32);default:'pay_as_you_go'"`
	MonthlyQuotaUSD *float64 `json:"monthly_quota_usd"`
	MonthlyUsedUSD  float64  `json:"monthly_used_usd" gorm:"default:0"`
	// QuotaResetDay is the day-of-month on which the monthly counter resets.
	QuotaResetDay    int    `json:"quota_reset_day" gorm:"default:1"`
	QuotaLastResetAt int64  `json:"quota_last_reset_at" gorm:"bigint;default:0"`
	RPMLimit         *int   `json:"rpm_limit"`
	RPMUsed          int    `json:"rpm_used" gorm:"default:0"`
	RPMResetAt       *int64 `json:"rpm_reset_at" gorm:"bigint"`
	Status           int    `json:"status" gorm:"default:1;index"`
	CreatedAt        int64  `json:"created_at" gorm:"bigint"`
}

func (p *Provider) IsEnabled() bool {
	return p != nil && p.Status == ProviderStatusEnabled
}

// MonthlyQuotaRemaining reports the unused monthly budget. Providers without a
// monthly quota always have capacity.
func (p *Provider) MonthlyQuotaRemaining() (float64, bool) {
	if p.BillingType != BillingMonthlyQuota || p.MonthlyQuotaUSD == nil {
		return 0, false
	}
	return *p.MonthlyQuotaUSD - p.MonthlyUsedUSD, true
}

// HasMonthlyQuota reports whether the provider may still dispatch under its
// monthly budget.
func (p *Provider) HasMonthlyQuota() bool {
	remaining, limited := p.MonthlyQuotaRemaining()
	if !limited {
		return true
	}
	return remaining > 0
}

func GetProviderById(id int) (*Provider, error) {
	var provider Provider
	if err := DB.First(&provider, "id = ?", id).Error; err != nil {
		return nil, errors.Wrapf(err, "get provider %d", id)
	}
	return &provider, nil
}

func GetEnabledProviders() ([]*Provider, error) {
	var providers []*Provider
	err := DB.Where("status = ?", ProviderStatusEnabled).
		Order("priority asc").Order("id asc").Find(&providers).Error
	return providers, errors.Wrap(err, "get enabled providers")
}

// SetProviderStatus flips one provider's status.
func SetProviderStatus(id, status int) error {
	err := DB.Model(&Provider{}).Where("id = ?", id).Update("status", status).Error
	return errors.Wrapf(err, "set provider %d status to %d", id, status)
}

// AddProviderUsedUSD adds amount to the provider's monthly counter atomically.
func AddProviderUsedUSD(tx *gorm.DB, providerId int, amount float64) error {
	if amount == 0 {
		return nil
	}
	err := tx.Model(&Provider{}).Where("id = ?", providerId).
		Update("monthly_used_usd", gorm.Expr("monthly_used_usd + ?", amount)).Error
	return errors.Wrapf(err, "add used usd to provider %d", providerId)
}

// TakeProviderRPM consumes one request from the provider's per-minute window.
// The window resets lazily when the stored deadline has passed. Returns false
// when the window is full.
func TakeProviderRPM(provider *Provider) (bool, error) {
	if provider.RPMLimit == nil || *provider.RPMLimit <= 0 {
		return true, nil
	}
	now := helper.GetTimestamp()
	deadline := now + 60
	res := DB.Model(&Provider{}).
		Where("id = ? AND (rpm_reset_at IS NULL OR rpm_reset_at <= ?)", provider.Id, now).
		Updates(map[string]any{"rpm_used": 1, "rpm_reset_at": deadline})
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "reset rpm window for provider %d", provider.Id)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	res = DB.Model(&Provider{}).
		Where("id = ? AND rpm_used < ?", provider.Id, *provider.RPMLimit).
		Update("rpm_used", gorm.Expr("rpm_used + 1"))
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "take rpm for provider %d", provider.Id)
	}
	return res.RowsAffected > 0, nil
}

// ResetExpiredMonthlyQuotas zeroes monthly_used_usd for providers whose reset
// day has arrived. Called from the background maintenance loop.
func ResetExpiredMonthlyQuotas() {
	now := time.Now()
	var providers []*Provider
	if err := DB.Where("billing_type = ?", BillingMonthlyQuota).Find(&providers).Error; err != nil {
		logger.Logger.Error("list monthly quota providers", zap.Error(err))
		return
	}
	for _, p := range providers {
		if !monthlyResetDue(p, now) {
			continue
		}
		err := DB.Model(&Provider{}).Where("id = ?", p.Id).Updates(map[string]any{
			"monthly_used_usd":    0,
			"quota_last_reset_at": now.Unix(),
		}).Error
		if err != nil {
			logger.Logger.Error("reset provider monthly quota",
				zap.Int("provider_id", p.Id), zap.Error(err))
			continue
		}
		logger.Logger.Info("reset provider monthly quota",
			zap.Int("provider_id", p.Id), zap.String("name", p.Name))
	}
}

func monthlyResetDue(p *Provider, now time.Time) bool {
	if now.Day() < p.QuotaResetDay {
		return false
	}
	last := time.Unix(p.QuotaLastResetAt, 0)
	return last.Year() != now.Year() || last.Month() != now.Month()
}

// splitList parses a comma separated allow-list column. Empty input means the
// list is unset, which callers treat as "inherit" or "allow all".
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func listContains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
