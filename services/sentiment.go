package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"petition-rewards/config"
	"petition-rewards/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/gosimple/unidecode"
	log "github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// SentimentAnalyzer classifies a free-text comment.
type SentimentAnalyzer interface {
	Analyze(ctx context.Context, text string) (models.SentimentResult, error)
}

const (
	maxKeywords         = 5
	minKeywordLen       = 4
	polarityThreshold   = 0.1
	polarityScale       = 3.0
	baseMatchConfidence = 0.4
	perMatchConfidence  = 0.15
	noMatchConfidence   = 0.1
)

// Lexicon terms are stored lower-case and accent-folded.
var positiveTerms = toSet(
	// fr
	"adore", "adorer", "aime", "aimer", "bravo", "merci", "super", "genial", "geniale",
	"fantastique", "formidable", "magnifique", "excellent", "excellente", "parfait", "parfaite",
	"bien", "bon", "bonne", "top", "soutien", "soutiens", "soutient", "soutenir", "felicitations",
	"heureux", "heureuse", "content", "contente", "ravi", "ravie", "utile", "essentiel",
	"essentielle", "necessaire", "important", "importante", "merveilleux", "belle", "beau",
	"calme", "paix", "tranquillite", "respect", "enfin", "favorable", "agreable",
	// en
	"love", "great", "good", "excellent", "amazing", "awesome", "support", "thanks", "thank",
	"fantastic", "wonderful", "happy", "perfect", "agree", "nice", "useful",
)

var negativeTerms = toSet(
	// fr
	"nul", "nulle", "mauvais", "mauvaise", "deteste", "detester", "horrible", "bruit", "bruyant",
	"bruyante", "insupportable", "penible", "gene", "genant", "probleme", "inutile", "ridicule",
	"honte", "honteux", "colere", "triste", "dommage", "catastrophe", "stupide", "absurde",
	"fatigue", "marre", "pire", "degoute", "agacant", "infernal", "vacarme", "nuisance", "defavorable",
	// en
	"bad", "hate", "terrible", "awful", "noise", "noisy", "annoying", "useless", "worst", "angry",
	"sad", "stupid", "ridiculous",
)

var negators = toSet("pas", "jamais", "sans", "aucun", "aucune", "not", "never", "no", "without")

var stopwords = toSet(
	"alors", "aussi", "autre", "avec", "avoir", "cela", "cette", "celle", "ceux", "comme", "dans",
	"depuis", "donc", "elle", "elles", "encore", "etre", "leur", "leurs", "mais", "meme", "nous",
	"notre", "pour", "quand", "quel", "quelle", "sont", "sous", "tous", "tout", "toute", "tres",
	"vous", "votre", "about", "also", "been", "from", "have", "just", "that", "their", "there",
	"they", "this", "very", "what", "when", "with", "would", "your",
)

func toSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

var lowerFrench = cases.Lower(language.French)

func tokenize(text string) []string {
	folded := unidecode.Unidecode(lowerFrench.String(text))
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// AnalyzeSentimentRules scores text against the built-in lexicons. It makes no
// network calls and always returns a result.
func AnalyzeSentimentRules(text string) models.SentimentResult {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return models.SentimentResult{Sentiment: models.SentimentNeutral, Keywords: []string{}}
	}

	var pos, neg int
	matched := make([]string, 0, len(tokens))
	for i, tok := range tokens {
		_, isPos := positiveTerms[tok]
		_, isNeg := negativeTerms[tok]
		if !isPos && !isNeg {
			continue
		}
		if i > 0 {
			if _, negated := negators[tokens[i-1]]; negated {
				isPos, isNeg = isNeg, isPos
			}
		}
		if isPos {
			pos++
		} else {
			neg++
		}
		matched = append(matched, tok)
	}

	score := clamp(polarityScale*float64(pos-neg)/float64(len(tokens)), -1, 1)
	score = math.Round(score*1000) / 1000

	sentiment := models.SentimentNeutral
	switch {
	case score > polarityThreshold:
		sentiment = models.SentimentPositive
	case score < -polarityThreshold:
		sentiment = models.SentimentNegative
	}

	confidence := noMatchConfidence
	if len(matched) > 0 {
		confidence = math.Min(1, baseMatchConfidence+perMatchConfidence*float64(len(matched)))
	}

	return models.SentimentResult{
		Sentiment:  sentiment,
		Score:      score,
		Confidence: math.Round(confidence*100) / 100,
		Keywords:   extractKeywords(tokens, matched),
	}
}

func extractKeywords(tokens, matched []string) []string {
	keywords := make([]string, 0, maxKeywords)
	seen := make(map[string]bool)
	add := func(w string) {
		if len(keywords) < maxKeywords && !seen[w] {
			seen[w] = true
			keywords = append(keywords, w)
		}
	}

	for _, w := range matched {
		add(w)
	}

	rest := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if len(tok) < minKeywordLen {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		rest = append(rest, tok)
	}
	sort.SliceStable(rest, func(i, j int) bool { return len(rest[i]) > len(rest[j]) })
	for _, w := range rest {
		add(w)
	}
	return keywords
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// RuleAnalyzer is the lexicon-based analyzer.
type RuleAnalyzer struct{}

func NewRuleAnalyzer() *RuleAnalyzer { return &RuleAnalyzer{} }

func (RuleAnalyzer) Analyze(_ context.Context, text string) (models.SentimentResult, error) {
	return AnalyzeSentimentRules(text), nil
}

// ModelInvoker is the Bedrock runtime call used by BedrockAnalyzer.
type ModelInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type bedrockMessage struct {
	Role    string                `json:"role"`
	Content []bedrockContentBlock `json:"content"`
}

type bedrockContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

const sentimentSystemPrompt = `You classify the sentiment of comments left on a French civic petition.
Reply with a single JSON object and nothing else:
{"sentiment": "positive" | "neutral" | "negative", "score": <number from -1 to 1>, "confidence": <number from 0 to 1>, "keywords": [<up to 5 salient words from the comment>]}`

var ErrModelResponse = errors.New("unusable model response")

// BedrockAnalyzer asks a Claude model on AWS Bedrock to classify the comment.
type BedrockAnalyzer struct {
	client  ModelInvoker
	modelID string
}

func NewBedrockAnalyzer(client ModelInvoker, modelID string) *BedrockAnalyzer {
	return &BedrockAnalyzer{client: client, modelID: modelID}
}

func (b *BedrockAnalyzer) Analyze(ctx context.Context, text string) (models.SentimentResult, error) {
	if strings.TrimSpace(text) == "" {
		return AnalyzeSentimentRules(text), nil
	}

	body, err := json.Marshal(bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        256,
		System:           sentimentSystemPrompt,
		Messages: []bedrockMessage{{
			Role:    "user",
			Content: []bedrockContentBlock{{Type: "text", Text: text}},
		}},
	})
	if err != nil {
		return models.SentimentResult{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return models.SentimentResult{}, fmt.Errorf("bedrock invoke failed: %w", err)
	}

	var response bedrockResponse
	if err := json.Unmarshal(output.Body, &response); err != nil {
		return models.SentimentResult{}, fmt.Errorf("failed to parse response: %w", err)
	}
	var reply strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			reply.WriteString(block.Text)
		}
	}
	return parseModelSentiment(reply.String())
}

func parseModelSentiment(reply string) (models.SentimentResult, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return models.SentimentResult{}, fmt.Errorf("%w: no JSON object", ErrModelResponse)
	}

	var result models.SentimentResult
	if err := json.Unmarshal([]byte(reply[start:end+1]), &result); err != nil {
		return models.SentimentResult{}, fmt.Errorf("%w: %v", ErrModelResponse, err)
	}

	result.Sentiment = models.Sentiment(strings.ToLower(string(result.Sentiment)))
	switch result.Sentiment {
	case models.SentimentPositive, models.SentimentNeutral, models.SentimentNegative:
	default:
		return models.SentimentResult{}, fmt.Errorf("%w: unknown sentiment %q", ErrModelResponse, result.Sentiment)
	}
	result.Score = clamp(result.Score, -1, 1)
	result.Confidence = clamp(result.Confidence, 0, 1)
	if len(result.Keywords) > maxKeywords {
		result.Keywords = result.Keywords[:maxKeywords]
	}
	if result.Keywords == nil {
		result.Keywords = []string{}
	}
	return result, nil
}

// FallbackAnalyzer runs primary under a timeout and answers with the rule-based
// result whenever it fails.
type FallbackAnalyzer struct {
	primary SentimentAnalyzer
	timeout time.Duration
}

func NewFallbackAnalyzer(primary SentimentAnalyzer, timeout time.Duration) *FallbackAnalyzer {
	return &FallbackAnalyzer{primary: primary, timeout: timeout}
}

func (f *FallbackAnalyzer) Analyze(ctx context.Context, text string) (models.SentimentResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	result, err := f.primary.Analyze(callCtx, text)
	if err != nil {
		log.WithError(err).Warn("[SENTIMENT] Model analyzer failed, using rules")
		return AnalyzeSentimentRules(text), nil
	}
	return result, nil
}

// NewSentimentAnalyzer picks the analyzer named by SENTIMENT_MODE. The bedrock mode is
// always wrapped in a FallbackAnalyzer.
func NewSentimentAnalyzer(ctx context.Context, cfg config.SentimentConfig) (SentimentAnalyzer, error) {
	switch cfg.Mode {
	case config.SentimentRules:
		return NewRuleAnalyzer(), nil
	case config.SentimentBedrock:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		model := NewBedrockAnalyzer(bedrockruntime.NewFromConfig(awsCfg), cfg.ModelID)
		log.WithFields(log.Fields{"model": cfg.ModelID, "region": cfg.Region}).Info("[SENTIMENT] Bedrock analyzer enabled")
		return NewFallbackAnalyzer(model, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown sentiment mode %q", cfg.Mode)
	}
}
