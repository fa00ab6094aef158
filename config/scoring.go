package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"petition-rewards/models"

	"gopkg.in/yaml.v3"
)

// Weights are the points each engagement signal contributes.
type Weights struct {
	Comment           int `yaml:"comment"`
	SentimentPositive int `yaml:"sentiment_positive"`
	SentimentNeutral  int `yaml:"sentiment_neutral"`
	SentimentNegative int `yaml:"sentiment_negative"`
	Newsletter        int `yaml:"newsletter"`
	PerShareChannel   int `yaml:"per_share_channel"`
	MaxShareChannels  int `yaml:"max_share_channels"`
	Referral          int `yaml:"referral"`
}

// Tier is an inclusive lower score bound for a level.
type Tier struct {
	Level    models.Level `yaml:"level"`
	MinScore int          `yaml:"min_score"`
}

// ScoringRules drives the engagement scorer and the coupon issuer's starting credits.
type ScoringRules struct {
	Weights         Weights              `yaml:"weights"`
	Tiers           []Tier               `yaml:"tiers"`
	StartingCredits map[models.Level]int `yaml:"starting_credits"`
	ReferralBonus   int                  `yaml:"referral_bonus"`
}

func DefaultScoringRules() ScoringRules {
	return ScoringRules{
		Weights: Weights{
			Comment:           1,
			SentimentPositive: 2,
			SentimentNeutral:  1,
			SentimentNegative: 0,
			Newsletter:        1,
			PerShareChannel:   1,
			MaxShareChannels:  3,
			Referral:          3,
		},
		Tiers: []Tier{
			{Level: models.LevelBasic, MinScore: 0},
			{Level: models.LevelEngaged, MinScore: 7},
			{Level: models.LevelChampion, MinScore: 10},
		},
		StartingCredits: map[models.Level]int{
			models.LevelBasic:    3,
			models.LevelEngaged:  5,
			models.LevelChampion: 10,
		},
		ReferralBonus: 1,
	}
}

// LoadScoringRules overlays the YAML file at path on the defaults.
// An empty path returns the defaults.
func LoadScoringRules(path string) (ScoringRules, error) {
	rules := DefaultScoringRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("failed to read scoring rules: %w", err)
	}
	return ParseScoringRules(data)
}

func ParseScoringRules(data []byte) (ScoringRules, error) {
	rules := DefaultScoringRules()
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return rules, fmt.Errorf("failed to parse scoring rules: %w", err)
	}
	sort.SliceStable(rules.Tiers, func(i, j int) bool {
		return rules.Tiers[i].MinScore < rules.Tiers[j].MinScore
	})
	if err := rules.Validate(); err != nil {
		return rules, err
	}
	return rules, nil
}

func (r ScoringRules) Validate() error {
	var errs []error
	w := r.Weights
	for name, v := range map[string]int{
		"comment":            w.Comment,
		"sentiment_positive": w.SentimentPositive,
		"sentiment_neutral":  w.SentimentNeutral,
		"sentiment_negative": w.SentimentNegative,
		"newsletter":         w.Newsletter,
		"per_share_channel":  w.PerShareChannel,
		"max_share_channels": w.MaxShareChannels,
		"referral":           w.Referral,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("weight %s must not be negative", name))
		}
	}

	if len(r.Tiers) == 0 {
		errs = append(errs, errors.New("at least one tier is required"))
	} else if r.Tiers[0].MinScore != 0 {
		errs = append(errs, errors.New("the lowest tier must start at score 0"))
	}
	seen := make(map[models.Level]bool, len(r.Tiers))
	for i, t := range r.Tiers {
		if !t.Level.Valid() {
			errs = append(errs, fmt.Errorf("unknown tier level %q", t.Level))
			continue
		}
		if seen[t.Level] {
			errs = append(errs, fmt.Errorf("tier %s is listed twice", t.Level))
		}
		seen[t.Level] = true
		if r.StartingCredits[t.Level] <= 0 {
			errs = append(errs, fmt.Errorf("tier %s needs positive starting credits", t.Level))
		}
		if i > 0 {
			prev := r.Tiers[i-1]
			if t.MinScore <= prev.MinScore || t.Level.Rank() <= prev.Level.Rank() {
				errs = append(errs, fmt.Errorf("tier %s must rank above %s and start at a higher score", t.Level, prev.Level))
			}
		}
	}

	// A higher tier must start with more credits.
	var prevLevel models.Level
	for _, level := range []models.Level{models.LevelBasic, models.LevelEngaged, models.LevelChampion} {
		credits, ok := r.StartingCredits[level]
		if !ok {
			continue
		}
		if prevLevel != "" && credits <= r.StartingCredits[prevLevel] {
			errs = append(errs, fmt.Errorf("starting credits for %s must exceed %s", level, prevLevel))
		}
		prevLevel = level
	}
	if r.ReferralBonus <= 0 || r.ReferralBonus > models.MaxReferralBonus {
		errs = append(errs, fmt.Errorf("referral_bonus must be between 1 and %d", models.MaxReferralBonus))
	}
	return errors.Join(errs...)
}

// LevelFor picks the highest tier whose lower bound the score reaches.
func (r ScoringRules) LevelFor(score int) models.Level {
	level := models.LevelBasic
	for _, t := range r.Tiers {
		if score >= t.MinScore {
			level = t.Level
		}
	}
	return level
}
