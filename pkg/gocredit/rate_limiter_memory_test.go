package gocredit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

func TestMemoryRateLimiter_AllowsUpToMax(t *testing.T) {
	limiter := gocredit.NewMemoryRateLimiter(gocredit.RateLimiterConfig{
		Window:        time.Minute,
		Max:           5,
		SweepInterval: -1,
	})
	defer limiter.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Check(ctx, "client_1")
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if result.Remaining != 5-(i+1) {
			t.Errorf("request %d: expected remaining %d, got %d", i+1, 5-(i+1), result.Remaining)
		}
	}

	// The N+1th request in the same window is denied
	result, err := limiter.Check(ctx, "client_1")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if result.Allowed {
		t.Error("request over the limit should be denied")
	}
	if result.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", result.Remaining)
	}
	if !result.ResetAt.After(time.Now()) {
		t.Error("expected ResetAt in the future")
	}
	if result.RetryAfter(time.Now()) <= 0 {
		t.Error("expected positive RetryAfter for a denied request")
	}
}

func TestMemoryRateLimiter_WindowReset(t *testing.T) {
	limiter := gocredit.NewMemoryRateLimiter(gocredit.RateLimiterConfig{
		Window:        50 * time.Millisecond,
		Max:           1,
		SweepInterval: -1,
	})
	defer limiter.Close()
	ctx := context.Background()

	if result, _ := limiter.Check(ctx, "client_1"); !result.Allowed {
		t.Fatal("first request should be allowed")
	}
	if result, _ := limiter.Check(ctx, "client_1"); result.Allowed {
		t.Fatal("second request in window should be denied")
	}

	time.Sleep(60 * time.Millisecond)

	// A fresh window admits the full quota again
	if result, _ := limiter.Check(ctx, "client_1"); !result.Allowed {
		t.Error("request after window reset should be allowed")
	}
}

func TestMemoryRateLimiter_KeysAreIsolated(t *testing.T) {
	limiter := gocredit.NewMemoryRateLimiter(gocredit.RateLimiterConfig{
		Window:        time.Minute,
		Max:           1,
		SweepInterval: -1,
	})
	defer limiter.Close()
	ctx := context.Background()

	if result, _ := limiter.Check(ctx, "client_1"); !result.Allowed {
		t.Fatal("client_1 first request should be allowed")
	}
	if result, _ := limiter.Check(ctx, "client_1"); result.Allowed {
		t.Fatal("client_1 second request should be denied")
	}

	// Another client's window is untouched
	if result, _ := limiter.Check(ctx, "client_2"); !result.Allowed {
		t.Error("client_2 should have its own window")
	}
}

func TestMemoryRateLimiter_ConcurrentChecks(t *testing.T) {
	const max = 50
	limiter := gocredit.NewMemoryRateLimiter(gocredit.RateLimiterConfig{
		Window:        time.Minute,
		Max:           max,
		SweepInterval: -1,
	})
	defer limiter.Close()
	ctx := context.Background()

	const goroutines = 2 * max
	var wg sync.WaitGroup
	allowed := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := limiter.Check(ctx, "client_1")
			if err != nil {
				t.Errorf("Check failed: %v", err)
				allowed <- false
				return
			}
			allowed <- result.Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	// No increments may be lost under concurrency: exactly max admitted
	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}
	if count != max {
		t.Errorf("expected exactly %d allowed requests, got %d", max, count)
	}
}

func TestMemoryRateLimiter_SweepDropsStaleKeys(t *testing.T) {
	limiter := gocredit.NewMemoryRateLimiter(gocredit.RateLimiterConfig{
		Window:        20 * time.Millisecond,
		Max:           10,
		SweepInterval: 30 * time.Millisecond,
	})
	defer limiter.Close()
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if _, err := limiter.Check(ctx, key); err != nil {
			t.Fatalf("Check failed: %v", err)
		}
	}
	if limiter.Len() != 3 {
		t.Fatalf("expected 3 tracked keys, got %d", limiter.Len())
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for limiter.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if limiter.Len() != 0 {
		t.Errorf("expected stale keys swept, still tracking %d", limiter.Len())
	}
}
