package fiber_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	creditfiber "github.com/mihaimyh/gocredit/middleware/fiber"
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

func newApp(mw fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Post("/generate", mw, func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	return app
}

func TestRateLimit_DeniesOverLimit(t *testing.T) {
	limiter := gocredit.NewMemoryRateLimiter(gocredit.RateLimiterConfig{
		Window:        time.Minute,
		Max:           1,
		SweepInterval: -1,
	})
	defer limiter.Close()

	app := newApp(creditfiber.RateLimit(creditfiber.Config{
		RateLimiter:  limiter,
		GetClientKey: func(c *fiber.Ctx) string { return "client_1" },
	}))

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/generate", nil))
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/generate", nil))
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestCharge_DebitsBalance(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	if _, err := ledger.CreateAccount(ctx, "user_1", "user_1@example.com", 10); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	app := newApp(creditfiber.Charge(creditfiber.Config{
		Ledger:    ledger,
		GetUserID: creditfiber.FromHeader("X-User-ID"),
		GetKind:   creditfiber.FixedKind("api_call"),
		GetAmount: creditfiber.FixedAmount(4),
	}))

	req := httptest.NewRequest(http.MethodPost, "/generate", nil)
	req.Header.Set("X-User-ID", "user_1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
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

	app := newApp(creditfiber.Charge(creditfiber.Config{
		Ledger:    ledger,
		GetUserID: creditfiber.FromHeader("X-User-ID"),
		GetKind:   creditfiber.FixedKind("api_call"),
		GetAmount: creditfiber.FixedAmount(4),
	}))

	req := httptest.NewRequest(http.MethodPost, "/generate", nil)
	req.Header.Set("X-User-ID", "user_1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusPaymentRequired {
		t.Errorf("expected 402, got %d", resp.StatusCode)
	}
}

func TestCharge_UnauthenticatedReturns401(t *testing.T) {
	ledger := newTestLedger(t)

	app := newApp(creditfiber.Charge(creditfiber.Config{
		Ledger:    ledger,
		GetUserID: creditfiber.FromHeader("X-User-ID"),
		GetKind:   creditfiber.FixedKind("api_call"),
		GetAmount: creditfiber.FixedAmount(1),
	}))

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/generate", nil))
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}
