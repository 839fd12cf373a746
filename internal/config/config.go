// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Rate limit backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
)

// Config is the process configuration, read from the environment (and a
// local .env file when present) by Load.
type Config struct {
	AppName   string `env:"APP_NAME" default:"ArcHunt"`
	Port      string `env:"PORT" default:"8080"`
	RunLocal  bool   `env:"RUN_LOCAL" default:"false"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"json"`

	AWSRegion           string `env:"AWS_REGION" default:"us-east-1"`
	AWSEndpointOverride string `env:"AWS_ENDPOINT_OVERRIDE"` // localstack
	ProductsTable       string `env:"PRODUCTS_TABLE" default:"products"`
	VotesTable          string `env:"VOTES_TABLE" default:"votes"`
	RateLimitsTable     string `env:"RATE_LIMITS_TABLE" default:"rate_limits"`
	PayoutQueueURL      string `env:"PAYOUT_QUEUE_URL"`
	MetricsNamespace    string `env:"METRICS_NAMESPACE"` // empty disables CloudWatch metrics

	RateLimitBackend string `env:"RATE_LIMIT_BACKEND" default:"dynamodb"`
	RedisURL         string `env:"REDIS_URL"`

	CircleAPIKey    string        `env:"CIRCLE_API_KEY"`
	CircleBaseURL   string        `env:"CIRCLE_BASE_URL" default:"https://api-sandbox.circle.com"`
	CircleClientKey string        `env:"CIRCLE_CLIENT_KEY"`
	PayoutChain     string        `env:"PAYOUT_CHAIN" default:"arc"`
	PayoutAmount    string        `env:"PAYOUT_AMOUNT" default:"1.00"`
	PayoutCurrency  string        `env:"PAYOUT_CURRENCY" default:"USD"`
	PayoutTimeout   time.Duration `env:"PAYOUT_TIMEOUT" default:"30s"`

	VoteThreshold          int           `env:"VOTE_THRESHOLD" default:"10"`
	SignatureMaxSkew       time.Duration `env:"SIGNATURE_MAX_SKEW" default:"5m"`
	SubmitLimitPerDay      int           `env:"SUBMIT_LIMIT_PER_DAY" default:"5"`
	VoteLimitWalletPerHour int           `env:"VOTE_LIMIT_WALLET_PER_HOUR" default:"20"`
	VoteLimitIPPerHour     int           `env:"VOTE_LIMIT_IP_PER_HOUR" default:"50"`
}

// Load reads an optional .env file, then the environment, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	required := []struct{ name, value string }{
		{"APP_NAME", cfg.AppName},
		{"PRODUCTS_TABLE", cfg.ProductsTable},
		{"VOTES_TABLE", cfg.VotesTable},
		{"PAYOUT_CHAIN", cfg.PayoutChain},
		{"PAYOUT_AMOUNT", cfg.PayoutAmount},
		{"PAYOUT_CURRENCY", cfg.PayoutCurrency},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	switch cfg.RateLimitBackend {
	case BackendDynamoDB:
		if cfg.RateLimitsTable == "" {
			return errors.New("RATE_LIMITS_TABLE is required for the dynamodb rate limit backend")
		}
	case BackendRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis rate limit backend")
		}
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be %q or %q, got %q", BackendDynamoDB, BackendRedis, cfg.RateLimitBackend)
	}

	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", cfg.LogFormat)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"VOTE_THRESHOLD", cfg.VoteThreshold},
		{"SUBMIT_LIMIT_PER_DAY", cfg.SubmitLimitPerDay},
		{"VOTE_LIMIT_WALLET_PER_HOUR", cfg.VoteLimitWalletPerHour},
		{"VOTE_LIMIT_IP_PER_HOUR", cfg.VoteLimitIPPerHour},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}
	if cfg.PayoutTimeout <= 0 {
		return errors.New("PAYOUT_TIMEOUT must be positive")
	}
	if cfg.SignatureMaxSkew <= 0 {
		return errors.New("SIGNATURE_MAX_SKEW must be positive")
	}
	return nil
}

// RequireQueue fails unless payouts can be enqueued. Deployed API processes
// call it; local mode settles inline instead.
func (c *Config) RequireQueue() error {
	if c.RunLocal {
		return nil
	}
	if c.PayoutQueueURL == "" {
		return errors.New("PAYOUT_QUEUE_URL is required unless RUN_LOCAL=true")
	}
	return nil
}
