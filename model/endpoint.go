package model

import (
	"github.com/Laisky/errors/v2"
)

const (
	EndpointStatusEnabled  = 1
	EndpointStatusDisabled = 2
)

// Endpoint is one wire-protocol offering of a provider. A provider exposes at
// most one endpoint per api format.
type Endpoint struct {
	Id         int    `json:"id" gorm:"primaryKey"`
	ProviderId int    `json:"provider_id" gorm:"index;uniqueIndex:idx_endpoint_provider_format"`
	APIFormat  string `json:"api_format" gorm:"type:varchar(32);index;uniqueIndex:idx_endpoint_provider_format"`
	BaseURL    string `json:"base_url"`
	Status     int    `json:"status" gorm:"default:1;index"`
	// MaxConcurrent caps in-flight attempts on this endpoint; nil means uncapped.
	MaxConcurrent *int `json:"max_concurrent"`
	// RateLimit is the per-minute request budget inherited by keys that do not
	// set their own.
	RateLimit *int `json:"rate_limit"`
	// TimeoutSec bounds one outbound attempt; nil falls back to RELAY_TIMEOUT.
	TimeoutSec *int  `json:"timeout_sec"`
	CreatedAt  int64 `json:"created_at" gorm:"bigint"`
}

func (e *Endpoint) IsEnabled() bool {
	return e != nil && e.Status == EndpointStatusEnabled
}

func GetEndpointById(id int) (*Endpoint, error) {
	var endpoint Endpoint
	if err := DB.First(&endpoint, "id = ?", id).Error; err != nil {
		return nil, errors.Wrapf(err, "get endpoint %d", id)
	}
	return &endpoint, nil
}

func GetEnabledEndpoints() ([]*Endpoint, error) {
	var endpoints []*Endpoint
	err := DB.Where("status = ?", EndpointStatusEnabled).Order("id asc").Find(&endpoints).Error
	return endpoints, errors.Wrap(err, "get enabled endpoints")
}

func GetEnabledEndpointsByProvider(providerId int) ([]*Endpoint, error) {
	var endpoints []*Endpoint
	err := DB.Where("provider_id = ? AND status = ?", providerId, EndpointStatusEnabled).
		Order("id asc").Find(&endpoints).Error
	return endpoints, errors.Wrapf(err, "get endpoints of provider %d", providerId)
}
