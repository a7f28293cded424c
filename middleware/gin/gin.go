// Package gin provides Gin middleware for rate limiting and credit-metered
// request handling
package gin

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// ClientKeyExtractor extracts the rate-limit key from a Gin context
type ClientKeyExtractor func(c *gongin.Context) string

// KindExtractor extracts the billable action kind from a Gin context
type KindExtractor func(c *gongin.Context) string

// AmountExtractor calculates the credit amount to charge from the Gin context
type AmountExtractor func(c *gongin.Context) (int, error)

// IdempotencyKeyExtractor extracts the idempotency key from a Gin context
// Return empty string if no idempotency key is available
type IdempotencyKeyExtractor func(c *gongin.Context) string

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
	OnRateLimited func(c *gongin.Context, result *gocredit.RateLimitResult)

	// OnInsufficientCredits is called when the balance cannot cover the charge
	// If nil, returns 402 JSON
	OnInsufficientCredits func(c *gongin.Context, required int)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// RateLimit creates a Gin middleware that enforces the fixed-window rate limit
func RateLimit(config Config) gongin.HandlerFunc {
	getKey := config.GetClientKey
	if getKey == nil {
		getKey = func(c *gongin.Context) string {
			if config.GetUserID != nil {
				if userID := config.GetUserID(c); userID != "" {
					return userID
				}
			}
			return c.ClientIP()
		}
	}

	return func(c *gongin.Context) {
		result, err := config.RateLimiter.Check(c.Request.Context(), getKey(c))
		if err != nil {
			handleError(config, c, err)
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

		if !result.Allowed {
			if config.OnRateLimited != nil {
				config.OnRateLimited(c, result)
				c.Abort()
				return
			}
			retryAfter := int(result.RetryAfter(time.Now()).Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gongin.H{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}

// Charge creates a Gin middleware that debits credits and records usage
// before the handler runs
func Charge(config Config) gongin.HandlerFunc {
	getIdempotencyKey := config.GetIdempotencyKey
	if getIdempotencyKey == nil {
		getIdempotencyKey = func(c *gongin.Context) string {
			return c.GetHeader("X-Request-ID")
		}
	}

	return func(c *gongin.Context) {
		userID := config.GetUserID(c)
		if userID == "" {
			if config.OnUnauthorized != nil {
				config.OnUnauthorized(c)
				c.Abort()
			} else {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gongin.H{"error": "unauthorized"})
			}
			return
		}

		amount, err := config.GetAmount(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gongin.H{"error": err.Error()})
			return
		}

		_, err = config.Ledger.Charge(c.Request.Context(), gocredit.ChargeRequest{
			UserID:         userID,
			Kind:           config.GetKind(c),
			Amount:         amount,
			IdempotencyKey: getIdempotencyKey(c),
		})
		if err != nil {
			switch {
			case errors.Is(err, gocredit.ErrInsufficientCredits):
				if config.OnInsufficientCredits != nil {
					config.OnInsufficientCredits(c, amount)
					c.Abort()
					return
				}
				c.AbortWithStatusJSON(http.StatusPaymentRequired, gongin.H{
					"error":    "insufficient credits",
					"required": amount,
				})
			case errors.Is(err, gocredit.ErrAccountSuspended):
				c.AbortWithStatusJSON(http.StatusForbidden, gongin.H{"error": "account suspended"})
			case errors.Is(err, gocredit.ErrAccountNotFound):
				c.AbortWithStatusJSON(http.StatusForbidden, gongin.H{"error": "unknown account"})
			default:
				handleError(config, c, err)
			}
			return
		}

		c.Next()
	}
}

func handleError(config Config, c *gongin.Context, err error) {
	if config.OnError != nil {
		config.OnError(c, err)
		c.Abort()
		return
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, gongin.H{
		"error": fmt.Sprintf("internal error: %v", err),
	})
}

// FromContextKey returns a UserIDExtractor that reads the user ID set by an
// upstream auth middleware via c.Set
func FromContextKey(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if userID, ok := c.Get(key); ok {
			if s, ok := userID.(string); ok {
				return s
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(*gongin.Context) (int, error) {
		return amount, nil
	}
}

// FixedKind returns a KindExtractor that always returns a fixed kind
func FixedKind(kind string) KindExtractor {
	return func(*gongin.Context) string {
		return kind
	}
}
