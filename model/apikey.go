package model

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"

	"github.com/llmgate/llmgate/common/helper"
)

const (
	ApiKeyStatusEnabled  = 1
	ApiKeyStatusDisabled = 2
)

var (
	ErrApiKeyNotFound = errors.New("api key not found")
	ErrApiKeyDisabled = errors.New("api key is disabled")
	ErrApiKeyExpired  = errors.New("api key has expired")
)

// ApiKey is an inbound client credential. Standalone keys carry their own
// prepaid balance; normal keys debit the owning user's quota.
type ApiKey struct {
	Id      int    `json:"id" gorm:"primaryKey"`
	UserId  int    `json:"user_id" gorm:"index"`
	Name    string `json:"name"`
	KeyHash string `json:"-" gorm:"type:char(64);uniqueIndex"`
	Status  int    `json:"status" gorm:"default:1;index"`

	IsStandalone      bool     `json:"is_standalone" gorm:"default:false"`
	CurrentBalanceUSD *float64 `json:"current_balance_usd"`
	BalanceUsedUSD    float64  `json:"balance_used_usd" gorm:"default:0"`

	AllowedProviders  string `json:"allowed_providers"`
	AllowedAPIFormats string `json:"allowed_api_formats"`
	AllowedModels     string `json:"allowed_models"`
	// ForceCapabilities is a comma separated list of capability names injected
	// into every request's requirement bag as true.
	ForceCapabilities string `json:"force_capabilities"`

	// RateLimit overrides LLM_API_RATE_LIMIT for this key; nil inherits.
	RateLimit *int   `json:"rate_limit"`
	ExpiresAt *int64 `json:"expires_at" gorm:"bigint"`

	CreatedAt  int64 `json:"created_at" gorm:"bigint"`
	AccessedAt int64 `json:"accessed_at" gorm:"bigint"`
}

// HashKey derives the stored lookup hash from a plaintext client key.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func (k *ApiKey) GetAllowedProviders() []string  { return splitList(k.AllowedProviders) }
func (k *ApiKey) GetAllowedAPIFormats() []string { return splitList(k.AllowedAPIFormats) }
func (k *ApiKey) GetAllowedModels() []string     { return splitList(k.AllowedModels) }
func (k *ApiKey) GetForceCapabilities() []string { return splitList(k.ForceCapabilities) }

// RemainingBalance reports the unspent prepaid balance of a standalone key.
func (k *ApiKey) RemainingBalance() float64 {
	if k.CurrentBalanceUSD == nil {
		return 0
	}
	return *k.CurrentBalanceUSD - k.BalanceUsedUSD
}

// ValidateApiKey resolves a plaintext client key to its row and checks the
// status and expiry gates.
func ValidateApiKey(plaintext string) (*ApiKey, error) {
	if plaintext == "" {
		return nil, ErrApiKeyNotFound
	}
	key, err := CacheGetApiKeyByHash(HashKey(plaintext))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrApiKeyNotFound
		}
		return nil, errors.Wrap(err, "look up api key")
	}
	if key.Status != ApiKeyStatusEnabled {
		return nil, ErrApiKeyDisabled
	}
	if key.ExpiresAt != nil && *key.ExpiresAt <= helper.GetTimestamp() {
		return nil, ErrApiKeyExpired
	}
	return key, nil
}

func getApiKeyByHash(hash string) (*ApiKey, error) {
	var key ApiKey
	if err := DB.First(&key, "key_hash = ?", hash).Error; err != nil {
		return nil, err
	}
	return &key, nil
}

// TouchApiKey records the last-used timestamp outside the request's critical
// path.
func TouchApiKey(id int) error {
	err := DB.Model(&ApiKey{}).Where("id = ?", id).
		Update("accessed_at", helper.GetTimestamp()).Error
	return errors.Wrapf(err, "touch api key %d", id)
}

// AddApiKeyUsedUSD adds amount to a standalone key's spent balance atomically.
func AddApiKeyUsedUSD(tx *gorm.DB, keyId int, amount float64) error {
	if amount == 0 {
		return nil
	}
	err := tx.Model(&ApiKey{}).Where("id = ?", keyId).
		Update("balance_used_usd", gorm.Expr("balance_used_usd + ?", amount)).Error
	return errors.Wrapf(err, "add used usd to api key %d", keyId)
}
