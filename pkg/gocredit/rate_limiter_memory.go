package gocredit

import (
	"context"
	"sync"
	"time"
)

// MemoryRateLimiter implements fixed-window rate limiting using in-memory
// counters. It is inherently per-instance: horizontally scaled deployments
// that need a shared window should use the Redis-backed limiter instead.
//
// The limiter is an explicitly-owned value with a lifecycle: create it at
// process start, inject it where needed, and Close it on shutdown to stop
// the background sweeper.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*fixedWindow
	config  RateLimiterConfig

	stopSweep func()
	closeOnce sync.Once
}

type fixedWindow struct {
	mu    sync.Mutex
	start time.Time
	count int
}

// NewMemoryRateLimiter creates a new in-memory fixed-window rate limiter
// and starts its background sweeper
func NewMemoryRateLimiter(config RateLimiterConfig) *MemoryRateLimiter {
	config.applyDefaults()

	r := &MemoryRateLimiter{
		windows: make(map[string]*fixedWindow),
		config:  config,
	}

	if config.SweepInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		r.stopSweep = cancel
		go r.sweep(ctx)
	}

	return r
}

// Check implements RateLimiter
func (r *MemoryRateLimiter) Check(_ context.Context, clientKey string) (*RateLimitResult, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	w, ok := r.windows[clientKey]
	if !ok {
		w = &fixedWindow{}
		r.windows[clientKey] = w
	}
	r.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.start.IsZero() || !now.Before(w.start.Add(r.config.Window)) {
		// New or expired window
		w.start = now
		w.count = 1
	} else {
		w.count++
	}

	resetAt := w.start.Add(r.config.Window)
	allowed := w.count <= r.config.Max
	r.config.Metrics.RecordRateLimit(clientKey, allowed)

	if !allowed {
		r.config.Logger.Debug("rate limit exceeded",
			Field{Key: "client_key", Value: clientKey},
			Field{Key: "limit", Value: r.config.Max},
		)
		return &RateLimitResult{
			Allowed:   false,
			Remaining: 0,
			Limit:     r.config.Max,
			ResetAt:   resetAt,
		}, nil
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: r.config.Max - w.count,
		Limit:     r.config.Max,
		ResetAt:   resetAt,
	}, nil
}

// Close stops the background sweeper. Safe to call more than once.
func (r *MemoryRateLimiter) Close() {
	r.closeOnce.Do(func() {
		if r.stopSweep != nil {
			r.stopSweep()
		}
	})
}

// Len returns the number of tracked client keys (useful for tests)
func (r *MemoryRateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}

// sweep periodically drops windows whose keys have been inactive for a full
// window so memory stays bounded
func (r *MemoryRateLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.removeStale(time.Now().UTC())
		}
	}
}

func (r *MemoryRateLimiter) removeStale(now time.Time) {
	cutoff := now.Add(-r.config.Window)

	r.mu.Lock()
	defer r.mu.Unlock()

	for key, w := range r.windows {
		w.mu.Lock()
		stale := w.start.Before(cutoff)
		w.mu.Unlock()
		if stale {
			delete(r.windows, key)
		}
	}
}
