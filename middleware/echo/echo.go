// Package echo provides Echo middleware for rate limiting and credit-metered
// request handling
package echo

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// ClientKeyExtractor extracts the rate-limit key from an Echo context
type ClientKeyExtractor func(c echo.Context) string

// KindExtractor extracts the billable action kind from an Echo context
type KindExtractor func(c echo.Context) string

// AmountExtractor calculates the credit amount to charge from the Echo context
type AmountExtractor func(c echo.Context) (int, error)

// IdempotencyKeyExtractor extracts the idempotency key from an Echo context
type IdempotencyKeyExtractor func(c echo.Context) string

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
	OnRateLimited func(c echo.Context, result *gocredit.RateLimitResult) error

	// OnInsufficientCredits is called when the balance cannot cover the charge
	// If nil, returns 402 JSON
	OnInsufficientCredits func(c echo.Context, required int) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// RateLimit creates an Echo middleware that enforces the fixed-window rate limit
func RateLimit(config Config) echo.MiddlewareFunc {
	getKey := config.GetClientKey
	if getKey == nil {
		getKey = func(c echo.Context) string {
			if config.GetUserID != nil {
				if userID := config.GetUserID(c); userID != "" {
					return userID
				}
			}
			return c.RealIP()
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			result, err := config.RateLimiter.Check(c.Request().Context(), getKey(c))
			if err != nil {
				return handleError(config, c, err)
			}

			header := c.Response().Header()
			header.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			header.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			header.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				if config.OnRateLimited != nil {
					return config.OnRateLimited(c, result)
				}
				retryAfter := int(result.RetryAfter(time.Now()).Seconds()) + 1
				header.Set("Retry-After", strconv.Itoa(retryAfter))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":       "rate limit exceeded",
					"retry_after": retryAfter,
				})
			}

			return next(c)
		}
	}
}

// Charge creates an Echo middleware that debits credits and records usage
// before the handler runs
func Charge(config Config) echo.MiddlewareFunc {
	getIdempotencyKey := config.GetIdempotencyKey
	if getIdempotencyKey == nil {
		getIdempotencyKey = func(c echo.Context) string {
			return c.Request().Header.Get("X-Request-ID")
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := config.GetUserID(c)
			if userID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}

			amount, err := config.GetAmount(c)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}

			_, err = config.Ledger.Charge(c.Request().Context(), gocredit.ChargeRequest{
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
					return c.JSON(http.StatusPaymentRequired, map[string]interface{}{
						"error":    "insufficient credits",
						"required": amount,
					})
				case errors.Is(err, gocredit.ErrAccountSuspended):
					return echo.NewHTTPError(http.StatusForbidden, "account suspended")
				case errors.Is(err, gocredit.ErrAccountNotFound):
					return echo.NewHTTPError(http.StatusForbidden, "unknown account")
				default:
					return handleError(config, c, err)
				}
			}

			return next(c)
		}
	}
}

func handleError(config Config, c echo.Context, err error) error {
	if config.OnError != nil {
		return config.OnError(c, err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromContextKey returns a UserIDExtractor that reads the user ID set by an
// upstream auth middleware via c.Set
func FromContextKey(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if userID, ok := c.Get(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(echo.Context) (int, error) {
		return amount, nil
	}
}

// FixedKind returns a KindExtractor that always returns a fixed kind
func FixedKind(kind string) KindExtractor {
	return func(echo.Context) string {
		return kind
	}
}
