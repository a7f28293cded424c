// Package fiber provides Fiber middleware for rate limiting and credit-metered
// request handling
package fiber

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// ClientKeyExtractor extracts the rate-limit key from a Fiber context
type ClientKeyExtractor func(c *fiber.Ctx) string

// KindExtractor extracts the billable action kind from a Fiber context
type KindExtractor func(c *fiber.Ctx) string

// AmountExtractor calculates the credit amount to charge from the Fiber context
type AmountExtractor func(c *fiber.Ctx) (int, error)

// IdempotencyKeyExtractor extracts the idempotency key from a Fiber context
type IdempotencyKeyExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Ledger is the credit ledger instance (required for Charge)
	Ledger *gocredit.Ledger

	// RateLimiter bounds request counts (required for RateLimit)
	RateLimiter gocredit.RateLimiter

	// GetUserID extracts user ID from context (required for Charge)
	GetUserID UserIDExtractor

	// GetClientKey extracts the rate-limit key from context
	// Default: GetUserID, falling back to the client IP
	GetClientKey ClientKeyExtractor

	// GetKind extracts the action kind from context (required for Charge)
	GetKind KindExtractor

	// GetAmount calculates the credit amount from context (required for Charge)
	GetAmount AmountExtractor

	// GetIdempotencyKey extracts idempotency key from context (optional)
	// If nil, defaults to extracting from X-Request-ID header
	GetIdempotencyKey IdempotencyKeyExtractor

	// OnRateLimited is called when the rate limit is exceeded
	// If nil, returns 429 JSON with rate limit headers
	OnRateLimited func(c *fiber.Ctx, result *gocredit.RateLimitResult) error

	// OnInsufficientCredits is called when the balance cannot cover the charge
	// If nil, returns 402 JSON
	OnInsufficientCredits func(c *fiber.Ctx, required int) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// RateLimit creates a Fiber middleware that enforces the fixed-window rate limit
func RateLimit(config Config) fiber.Handler {
	getKey := config.GetClientKey
	if getKey == nil {
		getKey = func(c *fiber.Ctx) string {
			if config.GetUserID != nil {
				if userID := config.GetUserID(c); userID != "" {
					return userID
				}
			}
			return c.IP()
		}
	}

	return func(c *fiber.Ctx) error {
		// Fiber's UserContext carries the request-scoped context
		result, err := config.RateLimiter.Check(userContext(c), getKey(c))
		if err != nil {
			return handleError(config, c, err)
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

		if !result.Allowed {
			if config.OnRateLimited != nil {
				return config.OnRateLimited(c, result)
			}
			retryAfter := int(result.RetryAfter(time.Now()).Seconds()) + 1
			c.Set("Retry-After", strconv.Itoa(retryAfter))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
			})
		}

		return c.Next()
	}
}

// Charge creates a Fiber middleware that debits credits and records usage
// before the handler runs
func Charge(config Config) fiber.Handler {
	getIdempotencyKey := config.GetIdempotencyKey
	if getIdempotencyKey == nil {
		getIdempotencyKey = func(c *fiber.Ctx) string {
			return c.Get("X-Request-ID")
		}
	}

	return func(c *fiber.Ctx) error {
		userID := config.GetUserID(c)
		if userID == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		amount, err := config.GetAmount(c)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		_, err = config.Ledger.Charge(userContext(c), gocredit.ChargeRequest{
			UserID:         userID,
			Kind:           config.GetKind(c),
			Amount:         amount,
			IdempotencyKey: getIdempotencyKey(c),
		})
		if err != nil {
			switch {
			case errors.Is(err, gocredit.ErrInsufficientCredits):
				if config.OnInsufficientCredits != nil {
					return config.OnInsufficientCredits(c, amount)
				}
				return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
					"error":    "insufficient credits",
					"required": amount,
				})
			case errors.Is(err, gocredit.ErrAccountSuspended):
				return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "account suspended"})
			case errors.Is(err, gocredit.ErrAccountNotFound):
				return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "unknown account"})
			default:
				return handleError(config, c, err)
			}
		}

		return c.Next()
	}
}

func handleError(config Config, c *fiber.Ctx, err error) error {
	if config.OnError != nil {
		return config.OnError(c, err)
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
}

func userContext(c *fiber.Ctx) context.Context {
	if ctx := c.UserContext(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromLocals returns a UserIDExtractor that reads the user ID set by an
// upstream auth middleware via c.Locals
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if userID, ok := c.Locals(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(*fiber.Ctx) (int, error) {
		return amount, nil
	}
}

// FixedKind returns a KindExtractor that always returns a fixed kind
func FixedKind(kind string) KindExtractor {
	return func(*fiber.Ctx) string {
		return kind
	}
}
