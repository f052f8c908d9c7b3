package model

import (
	"encoding/json"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"

	"github.com/llmgate/llmgate/common"
)

const (
	ProviderKeyStatusEnabled  = 1
	ProviderKeyStatusDisabled = 2
)

// Types recorded in Last429Type and in adjustment history entries.
const (
	RateLimit429Concurrent = "concurrent_429"
	RateLimit429RPM        = "rpm_429"
	RateLimit429Generic    = "generic_429"
)

// ProviderKey is an upstream credential bound to an endpoint. A key with
// MaxConcurrent unset runs in adaptive mode: LearnedMaxConcurrent is the live
// concurrency ceiling and is adjusted from observed 429s.
type ProviderKey struct {
	Id         int `json:"id" gorm:"primaryKey"`
	EndpointId int `json:"endpoint_id" gorm:"index"`
	// APIKey is stored encrypted (AES-GCM under the session secret).
	APIKey string `json:"api_key"`
	Status int    `json:"status" gorm:"default:1;index"`

	MaxConcurrent        *int `json:"max_concurrent"`
	LearnedMaxConcurrent *int `json:"learned_max_concurrent"`
	// RateLimit is the per-minute budget; nil inherits the endpoint's.
	RateLimit *int `json:"rate_limit"`
	// RateMultiplier scales the surface cost into the actual cost billed.
	RateMultiplier float64 `json:"rate_multiplier" gorm:"default:1"`

	// AllowedModels restricts this key to a comma separated list of global
	// model names; empty inherits the provider's model set.
	AllowedModels string `json:"allowed_models"`
	// Capabilities is a comma separated list of capability names this key
	// advertises, e.g. "context_1m,cache_1h".
	Capabilities string `json:"capabilities"`

	// Adaptive learning state.
	Concurrent429Count int    `json:"concurrent_429_count" gorm:"default:0"`
	RPM429Count        int    `json:"rpm_429_count" gorm:"default:0"`
	Last429At          *int64 `json:"last_429_at" gorm:"bigint"`
	Last429Type        string `json:"last_429_type" gorm:"type:varchar(32)"`
	// AdjustmentHistory is a JSON-encoded bounded ring of LimitAdjustment.
	AdjustmentHistory string `json:"adjustment_history"`

	LifetimeRequests int64 `json:"lifetime_requests" gorm:"bigint;default:0"`
	SuccessCount     int64 `json:"success_count" gorm:"bigint;default:0"`

	CreatedAt int64 `json:"created_at" gorm:"bigint"`
}

// LimitAdjustment is one entry of the adaptive learner's history ring.
type LimitAdjustment struct {
	At       int64  `json:"at"`
	OldLimit int    `json:"old_limit"`
	NewLimit int    `json:"new_limit"`
	Reason   string `json:"reason"`
}

func (k *ProviderKey) IsEnabled() bool {
	return k != nil && k.Status == ProviderKeyStatusEnabled
}

// IsAdaptive reports whether the concurrency ceiling is learned rather than
// configured.
func (k *ProviderKey) IsAdaptive() bool {
	return k.MaxConcurrent == nil
}

func (k *ProviderKey) GetAllowedModels() []string {
	return splitList(k.AllowedModels)
}

func (k *ProviderKey) HasCapability(name string) bool {
	return listContains(splitList(k.Capabilities), name)
}

// DecryptedKey returns the plaintext upstream credential.
func (k *ProviderKey) DecryptedKey() (string, error) {
	return common.DecryptSecret(k.APIKey)
}

// SetKey encrypts and stores the plaintext credential.
func (k *ProviderKey) SetKey(plaintext string) error {
	enc, err := common.EncryptSecret(plaintext)
	if err != nil {
		return errors.Wrap(err, "encrypt provider key")
	}
	k.APIKey = enc
	return nil
}

// History decodes the adjustment ring; a corrupt column yields an empty ring.
func (k *ProviderKey) History() []LimitAdjustment {
	if k.AdjustmentHistory == "" {
		return nil
	}
	var history []LimitAdjustment
	if err := json.Unmarshal([]byte(k.AdjustmentHistory), &history); err != nil {
		return nil
	}
	return history
}

func (k *ProviderKey) setHistory(history []LimitAdjustment) {
	if len(history) == 0 {
		k.AdjustmentHistory = ""
		return
	}
	buf, err := json.Marshal(history)
	if err != nil {
		return
	}
	k.AdjustmentHistory = string(buf)
}

// AppendAdjustment pushes one entry onto the ring, evicting the oldest beyond
// maxSize.
func (k *ProviderKey) AppendAdjustment(adj LimitAdjustment, maxSize int) {
	history := append(k.History(), adj)
	if maxSize > 0 && len(history) > maxSize {
		history = history[len(history)-maxSize:]
	}
	k.setHistory(history)
}

func GetProviderKeyById(id int) (*ProviderKey, error) {
	var key ProviderKey
	if err := DB.First(&key, "id = ?", id).Error; err != nil {
		return nil, errors.Wrapf(err, "get provider key %d", id)
	}
	return &key, nil
}

func GetEnabledProviderKeys() ([]*ProviderKey, error) {
	var keys []*ProviderKey
	err := DB.Where("status = ?", ProviderKeyStatusEnabled).Order("id asc").Find(&keys).Error
	return keys, errors.Wrap(err, "get enabled provider keys")
}

func GetEnabledProviderKeysByEndpoint(endpointId int) ([]*ProviderKey, error) {
	var keys []*ProviderKey
	err := DB.Where("endpoint_id = ? AND status = ?", endpointId, ProviderKeyStatusEnabled).
		Order("id asc").Find(&keys).Error
	return keys, errors.Wrapf(err, "get keys of endpoint %d", endpointId)
}

// SaveAdaptiveState persists the learner-owned columns without touching
// configuration fields.
func (k *ProviderKey) SaveAdaptiveState() error {
	err := DB.Model(&ProviderKey{}).Where("id = ?", k.Id).Updates(map[string]any{
		"learned_max_concurrent": k.LearnedMaxConcurrent,
		"concurrent429_count":    k.Concurrent429Count,
		"rpm429_count":           k.RPM429Count,
		"last429_at":             k.Last429At,
		"last429_type":           k.Last429Type,
		"adjustment_history":     k.AdjustmentHistory,
		"lifetime_requests":      k.LifetimeRequests,
		"success_count":          k.SuccessCount,
	}).Error
	return errors.Wrapf(err, "save adaptive state of key %d", k.Id)
}

// ResetLearning clears the adaptive state; the key returns to the cold-start
// ceiling on its next request.
func ResetLearning(keyId int) error {
	err := DB.Model(&ProviderKey{}).Where("id = ?", keyId).Updates(map[string]any{
		"learned_max_concurrent": gorm.Expr("NULL"),
		"concurrent429_count":    0,
		"rpm429_count":           0,
		"last429_at":             gorm.Expr("NULL"),
		"last429_type":           "",
		"adjustment_history":     "",
	}).Error
	return errors.Wrapf(err, "reset learning of key %d", keyId)
}
