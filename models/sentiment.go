package models

// Sentiment is the polarity class of a comment.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// SentimentResult is the output contract shared by every analyzer.
// Score is in [-1, 1], Confidence in [0, 1].
type SentimentResult struct {
	Sentiment  Sentiment `json:"sentiment"`
	Score      float64   `json:"score"`
	Confidence float64   `json:"confidence"`
	Keywords   []string  `json:"keywords"`
}
