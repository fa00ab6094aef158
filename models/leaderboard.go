package models

// LeaderboardEntry is one referrer's row in the ranked referral view.
type LeaderboardEntry struct {
	Email               string  `json:"email"`
	TotalReferrals      int     `json:"total_referrals"`
	SuccessfulReferrals int     `json:"successful_referrals"`
	ConversionRate      float64 `json:"conversion_rate"`
}
