package echo_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	creditecho "github.com/mihaimyh/gocredit/middleware/echo"
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

func newServer(mw echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.POST("/generate", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, mw)
	return e
}

func TestRateLimit_DeniesOverLimit(t *testing.T) {
	limiter := gocredit.NewMemoryRateLimiter(gocredit.RateLimiterConfig{
		Window:        time.Minute,
		Max:           1,
		SweepInterval: -1,
	})
	defer limiter.Close()

	e := newServer(creditecho.RateLimit(creditecho.Config{
		RateLimiter:  limiter,
		GetClientKey: func(c echo.Context) string { return "client_1" },
	}))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestCharge_DebitsBalance(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	if _, err := ledger.CreateAccount(ctx, "user_1", "user_1@example.com", 10); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	e := newServer(creditecho.Charge(creditecho.Config{
		Ledger:    ledger,
		GetUserID: creditecho.FromHeader("X-User-ID"),
		GetKind:   creditecho.FixedKind("api_call"),
		GetAmount: creditecho.FixedAmount(4),
	}))

	req := httptest.NewRequest(http.MethodPost, "/generate", nil)
	req.Header.Set("X-User-ID", "user_1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	balance, _ := ledger.Balance(ctx, "user_1")
	if balance != 6 {
		t.Errorf("expected balance 6, got %d", balance)
	}
}

func TestCharge_InsufficientCreditsReturns402(t *testing.T) {
	ledger := newTestLedger(t)
	if _, err := ledger.CreateAccount(context.Background(), "user_1", "user_1@example.com", 1); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	e := newServer(creditecho.Charge(creditecho.Config{
		Ledger:    ledger,
		GetUserID: creditecho.FromHeader("X-User-ID"),
		GetKind:   creditecho.FixedKind("api_call"),
		GetAmount: creditecho.FixedAmount(4),
	}))

	req := httptest.NewRequest(http.MethodPost, "/generate", nil)
	req.Header.Set("X-User-ID", "user_1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402, got %d", rec.Code)
	}
}

func TestCharge_UnauthenticatedReturns401(t *testing.T) {
	ledger := newTestLedger(t)

	e := newServer(creditecho.Charge(creditecho.Config{
		Ledger:    ledger,
		GetUserID: creditecho.FromHeader("X-User-ID"),
		GetKind:   creditecho.FixedKind("api_call"),
		GetAmount: creditecho.FixedAmount(1),
	}))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/generate", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}
