package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"

	SentimentRules   = "rules"
	SentimentBedrock = "bedrock"
)

// Config is read from the process environment once at startup.
type Config struct {
	Port           string `env:"PORT" envDefault:"5200"`
	APIToken       string `env:"API_TOKEN,required,notEmpty"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS" envDefault:"http://localhost:3000"`
	AllowReset     bool   `env:"ALLOW_RESET" envDefault:"false"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`

	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"`
	DatabaseURL  string `env:"DATABASE_URL"`
	RedisURL     string `env:"REDIS_URL"`
	RedisPrefix  string `env:"REDIS_PREFIX" envDefault:"petition:"`

	ScoringConfigPath string `env:"SCORING_CONFIG_PATH"`

	Sentiment SentimentConfig
	R2        R2Config
	SMTP      SMTPConfig

	SnapshotInterval time.Duration `env:"SNAPSHOT_INTERVAL" envDefault:"10m"`
}

type SentimentConfig struct {
	Mode    string        `env:"SENTIMENT_MODE" envDefault:"rules"`
	ModelID string        `env:"BEDROCK_MODEL_ID" envDefault:"anthropic.claude-3-haiku-20240307-v1:0"`
	Region  string        `env:"AWS_REGION" envDefault:"us-east-1"`
	Timeout time.Duration `env:"SENTIMENT_TIMEOUT" envDefault:"3s"`
}

// R2Config holds the Cloudflare R2 bucket used for leaderboard snapshots.
// Publishing is disabled when AccountID or Bucket is empty.
type R2Config struct {
	AccountID       string `env:"CLOUDFLARE_ACCOUNT_ID"`
	AccessKeyID     string `env:"R2_ACCESS_KEY_ID"`
	AccessKeySecret string `env:"R2_ACCESS_KEY_SECRET"`
	Bucket          string `env:"R2_BUCKET_NAME"`
	CDNBaseURL      string `env:"CDN_BASE_URL"`
}

func (c R2Config) Enabled() bool {
	return c.AccountID != "" && c.Bucket != ""
}

// SMTPConfig holds the coupon mailer settings. Mail is disabled when Host is empty.
type SMTPConfig struct {
	Host     string `env:"SMTP_HOST"`
	Port     string `env:"SMTP_PORT" envDefault:"587"`
	User     string `env:"SMTP_USER"`
	Password string `env:"SMTP_PASSWORD"`
	From     string `env:"MAIL_FROM"`
}

func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.From != ""
}

// Load reads .env when present, then parses and validates the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found, reading environment variables directly")
	}
	return Parse()
}

// Parse reads the environment without touching .env.
func Parse() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	switch c.Sentiment.Mode {
	case SentimentRules, SentimentBedrock:
	default:
		errs = append(errs, fmt.Errorf("unknown SENTIMENT_MODE %q", c.Sentiment.Mode))
	}
	if c.Sentiment.Timeout <= 0 {
		errs = append(errs, errors.New("SENTIMENT_TIMEOUT must be positive"))
	}
	if c.SnapshotInterval <= 0 {
		errs = append(errs, errors.New("SNAPSHOT_INTERVAL must be positive"))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL: %w", err))
	}

	return errors.Join(errs...)
}

// Origins returns ALLOWED_ORIGINS trimmed and re-joined the way fiber's cors expects.
func (c *Config) Origins() string {
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ",")
}

// SetupLogger configures the global logrus logger.
func (c *Config) SetupLogger() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
