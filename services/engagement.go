package services

import (
	"context"
	"strings"

	"petition-rewards/config"
	"petition-rewards/models"

	log "github.com/sirupsen/logrus"
)

// EngagementScorer turns a signature into a score and a reward tier.
type EngagementScorer struct {
	analyzer SentimentAnalyzer
	rules    config.ScoringRules
}

func NewEngagementScorer(analyzer SentimentAnalyzer, rules config.ScoringRules) *EngagementScorer {
	return &EngagementScorer{analyzer: analyzer, rules: rules}
}

// Score never fails. Missing or malformed fields contribute nothing; an analyzer
// error drops the sentiment contribution but keeps the comment point.
// referralRecorded must only be true once the ledger has accepted the referral.
func (s *EngagementScorer) Score(ctx context.Context, details models.SignatureDetails, referralRecorded bool) models.Engagement {
	w := s.rules.Weights
	var b models.ScoreBreakdown
	var sentiment *models.SentimentResult

	if comment := strings.TrimSpace(details.Comment); comment != "" {
		b.Comment = w.Comment
		result, err := s.analyzer.Analyze(ctx, comment)
		if err != nil {
			log.WithError(err).Warn("[ENGAGEMENT] Sentiment analysis failed, scoring without it")
		} else {
			sentiment = &result
			switch result.Sentiment {
			case models.SentimentPositive:
				b.Sentiment = w.SentimentPositive
			case models.SentimentNeutral:
				b.Sentiment = w.SentimentNeutral
			default:
				b.Sentiment = w.SentimentNegative
			}
		}
	}

	if details.Newsletter {
		b.Newsletter = w.Newsletter
	}

	channels := len(DistinctChannels(details.SocialShares))
	if channels > w.MaxShareChannels {
		channels = w.MaxShareChannels
	}
	b.SocialShares = channels * w.PerShareChannel

	if referralRecorded {
		b.Referral = w.Referral
	}

	score := b.Comment + b.Sentiment + b.Newsletter + b.SocialShares + b.Referral
	return models.Engagement{
		Details:   details,
		Score:     score,
		Level:     s.rules.LevelFor(score),
		Sentiment: sentiment,
		Breakdown: b,
	}
}

// DistinctChannels lower-cases and trims channel names, dropping blanks and repeats.
func DistinctChannels(channels []string) []string {
	seen := make(map[string]bool, len(channels))
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		ch = strings.ToLower(strings.TrimSpace(ch))
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}
