package services

import (
	"context"
	"math"
	"sort"

	"petition-rewards/models"
)

// LeaderboardSize is how many referrers the ranked view keeps.
const LeaderboardSize = 10

// ComputeLeaderboard ranks referrers by successful referrals, then conversion rate,
// then email. Anchor records are not referrals and are skipped. k <= 0 keeps every row.
func ComputeLeaderboard(records []models.Referral, k int) []models.LeaderboardEntry {
	byReferrer := make(map[string]*models.LeaderboardEntry)
	for i := range records {
		r := &records[i]
		if r.IsAnchor() {
			continue
		}
		entry, ok := byReferrer[r.ReferrerEmail]
		if !ok {
			entry = &models.LeaderboardEntry{Email: r.ReferrerEmail}
			byReferrer[r.ReferrerEmail] = entry
		}
		entry.TotalReferrals++
		if r.Used {
			entry.SuccessfulReferrals++
		}
	}

	entries := make([]models.LeaderboardEntry, 0, len(byReferrer))
	for _, e := range byReferrer {
		e.ConversionRate = conversionRate(e.SuccessfulReferrals, e.TotalReferrals)
		entries = append(entries, *e)
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.SuccessfulReferrals != b.SuccessfulReferrals {
			return a.SuccessfulReferrals > b.SuccessfulReferrals
		}
		if a.ConversionRate != b.ConversionRate {
			return a.ConversionRate > b.ConversionRate
		}
		return a.Email < b.Email
	})

	if k > 0 && len(entries) > k {
		entries = entries[:k]
	}
	return entries
}

// conversionRate is successful/total as a percentage rounded to two decimals.
func conversionRate(successful, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(successful)/float64(total)*100*100) / 100
}

type LeaderboardService struct {
	referrals *ReferralService
}

func NewLeaderboardService(referrals *ReferralService) *LeaderboardService {
	return &LeaderboardService{referrals: referrals}
}

// Top recomputes the leaderboard from the current ledger.
func (s *LeaderboardService) Top(ctx context.Context) ([]models.LeaderboardEntry, error) {
	records, err := s.referrals.Records(ctx)
	if err != nil {
		return nil, err
	}
	return ComputeLeaderboard(records, LeaderboardSize), nil
}
