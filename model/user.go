package model

import (
	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"
)

const (
	RoleCommonUser = 1
	RoleAdminUser  = 10
	RoleRootUser   = 100
)

const (
	UserStatusEnabled  = 1
	UserStatusDisabled = 2
)

// User owns non-standalone client keys; their spend accrues to UsedUSD against
// QuotaUSD (nil quota means unlimited).
type User struct {
	Id       int    `json:"id" gorm:"primaryKey"`
	Username string `json:"username" gorm:"uniqueIndex"`
	Role     int    `json:"role" gorm:"default:1"`
	Status   int    `json:"status" gorm:"default:1;index"`

	QuotaUSD *float64 `json:"quota_usd"`
	UsedUSD  float64  `json:"used_usd" gorm:"default:0"`
	TotalUSD float64  `json:"total_usd" gorm:"default:0"`

	AllowedProviders  string `json:"allowed_providers"`
	AllowedAPIFormats string `json:"allowed_api_formats"`
	AllowedModels     string `json:"allowed_models"`
	// ModelCapabilitySettings is a comma separated list of capability names
	// forced on for every request by this user's keys.
	ModelCapabilitySettings string `json:"model_capability_settings"`

	CreatedAt int64 `json:"created_at" gorm:"bigint"`
}

func (u *User) IsEnabled() bool {
	return u != nil && u.Status == UserStatusEnabled
}

func (u *User) IsAdmin() bool {
	return u != nil && u.Role >= RoleAdminUser
}

func (u *User) GetAllowedProviders() []string  { return splitList(u.AllowedProviders) }
func (u *User) GetAllowedAPIFormats() []string { return splitList(u.AllowedAPIFormats) }
func (u *User) GetAllowedModels() []string     { return splitList(u.AllowedModels) }
func (u *User) GetForcedCapabilities() []string {
	return splitList(u.ModelCapabilitySettings)
}

// HasQuota reports whether the user may spend. Admins and users without a
// quota are never blocked.
func (u *User) HasQuota() bool {
	if u.IsAdmin() || u.QuotaUSD == nil {
		return true
	}
	return *u.QuotaUSD-u.UsedUSD > 0
}

func GetUserById(id int) (*User, error) {
	var user User
	if err := DB.First(&user, "id = ?", id).Error; err != nil {
		return nil, errors.Wrapf(err, "get user %d", id)
	}
	return &user, nil
}

// AddUserUsedUSD adds amount to the user's spent and lifetime counters
// atomically.
func AddUserUsedUSD(tx *gorm.DB, userId int, amount float64) error {
	if amount == 0 {
		return nil
	}
	err := tx.Model(&User{}).Where("id = ?", userId).Updates(map[string]any{
		"used_usd":  gorm.Expr("used_usd + ?", amount),
		"total_usd": gorm.Expr("total_usd + ?", amount),
	}).Error
	return errors.Wrapf(err, "add used usd to user %d", userId)
}
