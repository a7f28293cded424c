package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// RateLimiter implements gocredit.RateLimiter on Redis. Windows live as
// counters with a TTL, so the limit is shared across instances and expired
// windows clean themselves up without a sweeper.
type RateLimiter struct {
	client redis.UniversalClient
	config gocredit.RateLimiterConfig
	prefix string
	script *redis.Script
}

// NewRateLimiter creates a Redis-backed fixed-window rate limiter
func NewRateLimiter(
	client redis.UniversalClient, keyPrefix string, config gocredit.RateLimiterConfig,
) (*RateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if keyPrefix == "" {
		keyPrefix = "gocredit:"
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.Max <= 0 {
		config.Max = 60
	}
	if config.Metrics == nil {
		config.Metrics = &gocredit.NoopMetrics{}
	}

	return &RateLimiter{
		client: client,
		config: config,
		prefix: keyPrefix,
		script: redis.NewScript(`
			local key = KEYS[1]
			local windowMs = tonumber(ARGV[1])

			local count = redis.call('INCR', key)
			if count == 1 then
				redis.call('PEXPIRE', key, windowMs)
			end

			local ttl = redis.call('PTTL', key)
			if ttl < 0 then
				redis.call('PEXPIRE', key, windowMs)
				ttl = windowMs
			end

			return {count, ttl}
		`),
	}, nil
}

// Check implements gocredit.RateLimiter. Denied requests still count against
// the window, matching the in-memory limiter.
func (rl *RateLimiter) Check(ctx context.Context, clientKey string) (*gocredit.RateLimitResult, error) {
	result, err := rl.script.Run(ctx, rl.client,
		[]string{rl.prefix + "rl:" + clientKey},
		rl.config.Window.Milliseconds(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check rate limit: %w", err)
	}

	pair, ok := result.([]interface{})
	if !ok || len(pair) != 2 {
		return nil, fmt.Errorf("unexpected script result: %v", result)
	}
	count, ok := pair[0].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected count in script result: %v", pair[0])
	}
	ttlMs, ok := pair[1].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected ttl in script result: %v", pair[1])
	}

	remaining := rl.config.Max - int(count)
	if remaining < 0 {
		remaining = 0
	}

	allowed := int(count) <= rl.config.Max
	rl.config.Metrics.RecordRateLimit(clientKey, allowed)

	return &gocredit.RateLimitResult{
		Allowed:   allowed,
		Remaining: remaining,
		Limit:     rl.config.Max,
		ResetAt:   time.Now().Add(time.Duration(ttlMs) * time.Millisecond),
	}, nil
}
