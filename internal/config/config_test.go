package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "ArcHunt", cfg.AppName)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "products", cfg.ProductsTable)
	assert.Equal(t, BackendDynamoDB, cfg.RateLimitBackend)
	assert.Equal(t, 30*time.Second, cfg.PayoutTimeout)
	assert.Equal(t, 5*time.Minute, cfg.SignatureMaxSkew)
	assert.Equal(t, 10, cfg.VoteThreshold)
	assert.Equal(t, 5, cfg.SubmitLimitPerDay)
	assert.Equal(t, 20, cfg.VoteLimitWalletPerHour)
	assert.Equal(t, 50, cfg.VoteLimitIPPerHour)
	assert.Equal(t, "1.00", cfg.PayoutAmount)
	assert.Equal(t, "USD", cfg.PayoutCurrency)
	assert.Equal(t, "arc", cfg.PayoutChain)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("RUN_LOCAL", "true")
	t.Setenv("VOTE_THRESHOLD", "3")
	t.Setenv("PAYOUT_TIMEOUT", "5s")
	t.Setenv("RATE_LIMIT_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.RunLocal)
	assert.Equal(t, 3, cfg.VoteThreshold)
	assert.Equal(t, 5*time.Second, cfg.PayoutTimeout)
	assert.Equal(t, BackendRedis, cfg.RateLimitBackend)
	assert.NoError(t, cfg.RequireQueue())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"redis without url", map[string]string{"RATE_LIMIT_BACKEND": "redis"}, "REDIS_URL is required for the redis rate limit backend"},
		{"unknown backend", map[string]string{"RATE_LIMIT_BACKEND": "memcached"}, `RATE_LIMIT_BACKEND must be "dynamodb" or "redis", got "memcached"`},
		{"zero threshold", map[string]string{"VOTE_THRESHOLD": "0"}, "VOTE_THRESHOLD must be positive"},
		{"negative ip limit", map[string]string{"VOTE_LIMIT_IP_PER_HOUR": "-1"}, "VOTE_LIMIT_IP_PER_HOUR must be positive"},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}, `LOG_FORMAT must be json or text, got "xml"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestRequireQueue(t *testing.T) {
	cfg := &Config{}
	assert.EqualError(t, cfg.RequireQueue(), "PAYOUT_QUEUE_URL is required unless RUN_LOCAL=true")

	cfg.PayoutQueueURL = "https://sqs.us-east-1.amazonaws.com/123/payouts"
	assert.NoError(t, cfg.RequireQueue())
}
