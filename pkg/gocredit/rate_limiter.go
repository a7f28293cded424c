package gocredit

import (
	"context"
	"time"
)

// RateLimiter bounds request counts per client key over a fixed window.
// Implementations must be safe under concurrent calls for the same key:
// a single logical counter increment must not lose updates.
type RateLimiter interface {
	// Check counts a request against the client's current window and reports
	// whether it is allowed. ResetAt lets the caller surface a Retry-After.
	Check(ctx context.Context, clientKey string) (*RateLimitResult, error)
}

// RateLimitResult contains information about a rate limit check
type RateLimitResult struct {
	// Allowed is true if the request is within the window limit
	Allowed bool

	// Remaining is the number of requests remaining in the current window
	Remaining int

	// Limit is the maximum number of requests per window
	Limit int

	// ResetAt is when the current window expires
	ResetAt time.Time
}

// RetryAfter returns the duration until the window resets, floored at zero
func (r *RateLimitResult) RetryAfter(now time.Time) time.Duration {
	d := r.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// RateLimiterConfig holds fixed-window rate limiter configuration
type RateLimiterConfig struct {
	// Window is the fixed window length (default: 1 minute)
	Window time.Duration

	// Max is the maximum number of requests per window (default: 60)
	Max int

	// SweepInterval is how often stale windows for inactive keys are
	// garbage-collected so state stays bounded (default: 5 minutes,
	// 0 keeps the default; negative disables the sweeper)
	SweepInterval time.Duration

	// Logger for limiter events (default: NoopLogger)
	Logger Logger

	// Metrics sink for check outcomes (default: NoopMetrics)
	Metrics Metrics
}

// DefaultRateLimiterConfig returns a RateLimiterConfig with sensible defaults
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Window:        time.Minute,
		Max:           60,
		SweepInterval: 5 * time.Minute,
	}
}

func (c *RateLimiterConfig) applyDefaults() {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Max <= 0 {
		c.Max = 60
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
}
