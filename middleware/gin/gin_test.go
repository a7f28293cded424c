package gin_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gongin "github.com/gin-gonic/gin"

	creditgin "github.com/mihaimyh/gocredit/middleware/gin"
	"github.com/mihaimyh/gocredit/pkg/gocredit"
	"github.com/mihaimyh/gocredit/storage/memory"
)

func newTestLedger(t *testing.T) *gocredit.Ledger {
	t.Helper()
	ledger, err := gocredit.NewLedger(memory.New(), gocredit.Config{})
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}
	return ledger
}

func newRouter(mw gongin.HandlerFunc) *gongin.Engine {
	gongin.SetMode(gongin.TestMode)
	router := gongin.New()
	router.POST("/generate", mw, func(c *gongin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func TestRateLimit_DeniesOverLimit(t *testing.T) {
	limiter := gocredit.NewMemoryRateLimiter(gocredit.RateLimiterConfig{
		Window:        time.Minute,
		Max:           1,
		SweepInterval: -1,
	})
	defer limiter.Close()

	router := newRouter(creditgin.RateLimit(creditgin.Config{
		RateLimiter:  limiter,
		GetClientKey: func(c *gongin.Context) string { return "client_1" },
	}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestCharge_DebitsBalance(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	if _, err := ledger.CreateAccount(ctx, "user_1", "user_1@example.com", 10); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	router := newRouter(creditgin.Charge(creditgin.Config{
		Ledger:    ledger,
		GetUserID: creditgin.FromHeader("X-User-ID"),
		GetKind:   creditgin.FixedKind("api_call"),
		GetAmount: creditgin.FixedAmount(4),
	}))

	req := httptest.NewRequest(http.MethodPost, "/generate", nil)
	req.Header.Set("X-User-ID", "user_1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	balance, _ := ledger.Balance(ctx, "user_1")
	if balance != 6 {
		t.Errorf("expected balance 6, got %d", balance)
	}
}

func TestCharge_IdempotentViaRequestID(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	if _, err := ledger.CreateAccount(ctx, "user_1", "user_1@example.com", 10); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	router := newRouter(creditgin.Charge(creditgin.Config{
		Ledger:    ledger,
		GetUserID: creditgin.FromHeader("X-User-ID"),
		GetKind:   creditgin.FixedKind("api_call"),
		GetAmount: creditgin.FixedAmount(4),
	}))

	// The same X-Request-ID retried twice charges only once
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/generate", nil)
		req.Header.Set("X-User-ID", "user_1")
		req.Header.Set("X-Request-ID", "req_42")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	balance, _ := ledger.Balance(ctx, "user_1")
	if balance != 6 {
		t.Errorf("expected balance 6 after retried request, got %d", balance)
	}
}

func TestCharge_InsufficientCreditsReturns402(t *testing.T) {
	ledger := newTestLedger(t)
	if _, err := ledger.CreateAccount(context.Background(), "user_1", "user_1@example.com", 1); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	router := newRouter(creditgin.Charge(creditgin.Config{
		Ledger:    ledger,
		GetUserID: creditgin.FromHeader("X-User-ID"),
		GetKind:   creditgin.FixedKind("api_call"),
		GetAmount: creditgin.FixedAmount(4),
	}))

	req := httptest.NewRequest(http.MethodPost, "/generate", nil)
	req.Header.Set("X-User-ID", "user_1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402, got %d", rec.Code)
	}
}

func TestCharge_UnauthenticatedReturns401(t *testing.T) {
	ledger := newTestLedger(t)

	router := newRouter(creditgin.Charge(creditgin.Config{
		Ledger:    ledger,
		GetUserID: creditgin.FromHeader("X-User-ID"),
		GetKind:   creditgin.FixedKind("api_call"),
		GetAmount: creditgin.FixedAmount(1),
	}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}
