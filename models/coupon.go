package models

import "time"

// MaxReferralBonus caps the bonus credits one coupon can collect from referrals.
const MaxReferralBonus = 20

// CouponSchemaVersion is the current layout of a stored Coupon.
// Version 1 records predate referral bonus tracking.
const CouponSchemaVersion = 2

// Coupon is the reward unit owned by one signer (unique by email).
type Coupon struct {
	ID                   string     `gorm:"primaryKey;type:uuid" json:"id"`
	Code                 string     `gorm:"uniqueIndex;not null" json:"code"`
	Email                string     `gorm:"uniqueIndex;not null" json:"email"`
	Level                Level      `gorm:"type:varchar(16);not null" json:"level"`
	GenerationsRemaining int        `gorm:"not null;default:0;check:generations_remaining >= 0" json:"generations_remaining"`
	ReferralBonuses      int        `gorm:"not null;default:0" json:"referral_bonuses"`
	SchemaVersion        int        `gorm:"not null;default:1" json:"schema_version"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	LastUsedAt           *time.Time `json:"last_used_at,omitempty"`
}

// HasCredits reports whether the coupon can still be redeemed.
func (c *Coupon) HasCredits() bool {
	return c.GenerationsRemaining > 0
}

// BonusHeadroom is how many referral bonus credits the coupon may still receive.
func (c *Coupon) BonusHeadroom() int {
	headroom := MaxReferralBonus - c.ReferralBonuses
	if headroom < 0 {
		return 0
	}
	return headroom
}

// Upgrade brings a record decoded from an older layout to CouponSchemaVersion.
// It returns true when the record changed and must be written back.
func (c *Coupon) Upgrade() bool {
	if c.SchemaVersion >= CouponSchemaVersion {
		return false
	}
	if c.ReferralBonuses < 0 {
		c.ReferralBonuses = 0
	}
	if c.ReferralBonuses > MaxReferralBonus {
		c.ReferralBonuses = MaxReferralBonus
	}
	if c.GenerationsRemaining < 0 {
		c.GenerationsRemaining = 0
	}
	if c.Level == "" {
		c.Level = LevelBasic
	}
	c.SchemaVersion = CouponSchemaVersion
	return true
}
