package models

// Level is a reward tier derived from an engagement score.
type Level string

const (
	LevelBasic    Level = "BASIC"
	LevelEngaged  Level = "ENGAGED"
	LevelChampion Level = "CHAMPION"
)

// Rank orders tiers: BASIC(1) → ENGAGED(2) → CHAMPION(3). Unknown tiers rank 0.
func (l Level) Rank() int {
	switch l {
	case LevelBasic:
		return 1
	case LevelEngaged:
		return 2
	case LevelChampion:
		return 3
	default:
		return 0
	}
}

// Valid reports whether l is one of the known tiers.
func (l Level) Valid() bool {
	return l.Rank() > 0
}

// SignatureDetails is what the petition form handler submits for one signature.
type SignatureDetails struct {
	Name         string   `json:"name"`
	Email        string   `json:"email"`
	City         string   `json:"city"`
	PostalCode   string   `json:"postal_code"`
	Comment      string   `json:"comment,omitempty"`
	Newsletter   bool     `json:"newsletter"`
	SocialShares []string `json:"social_shares,omitempty"`
	ReferralCode string   `json:"referral_code,omitempty"`
}

// ScoreBreakdown lists every contribution that went into an engagement score.
type ScoreBreakdown struct {
	Comment      int `json:"comment"`
	Sentiment    int `json:"sentiment"`
	Newsletter   int `json:"newsletter"`
	SocialShares int `json:"social_shares"`
	Referral     int `json:"referral"`
}

// Engagement is computed once per signature and consumed by coupon issuance.
type Engagement struct {
	Details   SignatureDetails `json:"details"`
	Score     int              `json:"score"`
	Level     Level            `json:"level"`
	Sentiment *SentimentResult `json:"sentiment,omitempty"`
	Breakdown ScoreBreakdown   `json:"breakdown"`
}
