package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

// fixedWindowScript atomically applies the fixed-window algorithm to the hash
// at KEYS[1] (fields count, window_start).
// ARGV: [1]=now_ms, [2]=window_ms, [3]=max
var fixedWindowScript = goredis.NewScript(`
local count = tonumber(redis.call('HGET', KEYS[1], 'count'))
local start = tonumber(redis.call('HGET', KEYS[1], 'window_start'))
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if (not count) or (not start) or now > start + window then
  redis.call('HSET', KEYS[1], 'count', 1, 'window_start', now)
  redis.call('PEXPIRE', KEYS[1], window)
  return 1
end
if count < tonumber(ARGV[3]) then
  redis.call('HINCRBY', KEYS[1], 'count', 1)
  return 1
end
return 0
`)

// RedisLimiter runs the fixed-window check as a single Lua script.
type RedisLimiter struct {
	rdb    goredis.Scripter
	clock  clockwork.Clock
	prefix string
}

// NewRedisLimiter returns a limiter storing records under "rate_limit:<identifier>".
func NewRedisLimiter(rdb goredis.Scripter, clock clockwork.Clock) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, clock: clock, prefix: "rate_limit:"}
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, identifier string, maxRequests int, window time.Duration) (bool, error) {
	if maxRequests <= 0 {
		return false, nil
	}
	res, err := fixedWindowScript.Run(ctx, l.rdb, []string{l.prefix + identifier},
		strconv.FormatInt(l.clock.Now().UnixMilli(), 10),
		strconv.FormatInt(window.Milliseconds(), 10),
		strconv.Itoa(maxRequests),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit script failed: %w", err)
	}
	return res == 1, nil
}

// NewRedisClient parses url (redis://...) and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
