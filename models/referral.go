package models

import "time"

// Referral is one edge of the referral ledger.
//
// Anchor records (Anchor=true, ReferrerEmail == Email) own a referrer's code and are
// created once by code generation. Every other record is a referee accepting that code.
type Referral struct {
	ID            string     `gorm:"primaryKey;type:uuid" json:"id"`
	Code          string     `gorm:"not null;index;uniqueIndex:idx_referral_code_email;uniqueIndex:idx_referral_anchor_code,where:anchor = true" json:"code"`
	ReferrerEmail string     `gorm:"not null;index;uniqueIndex:idx_referral_anchor_referrer,where:anchor = true" json:"referrer_email"`
	Email         string     `gorm:"not null;uniqueIndex:idx_referral_code_email;uniqueIndex:idx_referral_referee,where:anchor = false" json:"email"`
	Anchor        bool       `gorm:"not null;default:false" json:"anchor"`
	Used          bool       `gorm:"not null;default:false" json:"used"`
	CreatedAt     time.Time  `json:"created_at"`
	UsedAt        *time.Time `json:"used_at,omitempty"`
}

// IsAnchor reports whether the record is a referrer's own code placeholder.
func (r *Referral) IsAnchor() bool {
	return r.Anchor || r.ReferrerEmail == r.Email
}
