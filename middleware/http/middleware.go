// Package http provides HTTP middleware for rate limiting and credit-metered
// request handling
package http

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// ClientKeyExtractor extracts the rate-limit key from an HTTP request
// For example: the user ID, an API key, or the client IP
type ClientKeyExtractor func(r *http.Request) string

// KindExtractor extracts the billable action kind from an HTTP request
// For example: "image_generation", "api_call", "export"
type KindExtractor func(r *http.Request) string

// AmountExtractor calculates the credit amount to charge for the request
type AmountExtractor func(r *http.Request) (int, error)

// Config holds middleware configuration
type Config struct {
	// Ledger is the credit ledger instance (required for Charge)
	Ledger *gocredit.Ledger

	// RateLimiter bounds request counts (required for RateLimit)
	RateLimiter gocredit.RateLimiter

	// GetUserID extracts user ID from request (required for Charge)
	GetUserID UserIDExtractor

	// GetClientKey extracts the rate-limit key from request
	// Default: GetUserID, falling back to the remote address
	GetClientKey ClientKeyExtractor

	// GetKind extracts the action kind from request (required for Charge)
	GetKind KindExtractor

	// GetAmount calculates the credit amount from request (required for Charge)
	GetAmount AmountExtractor

	// OnRateLimited is called when the rate limit is exceeded
	// If nil, returns 429 Too Many Requests with a Retry-After header
	OnRateLimited func(w http.ResponseWriter, r *http.Request, result *gocredit.RateLimitResult)

	// OnInsufficientCredits is called when the balance cannot cover the charge
	// If nil, returns 402 Payment Required
	OnInsufficientCredits func(w http.ResponseWriter, r *http.Request)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// RateLimit creates an HTTP middleware that enforces the fixed-window rate
// limit before the request reaches the handler. Denied requests get a 429
// with Retry-After and X-RateLimit headers.
func RateLimit(config Config) func(http.Handler) http.Handler {
	getKey := config.GetClientKey
	if getKey == nil {
		getKey = func(r *http.Request) string {
			if config.GetUserID != nil {
				if userID := config.GetUserID(r); userID != "" {
					return userID
				}
			}
			return r.RemoteAddr
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result, err := config.RateLimiter.Check(r.Context(), getKey(r))
			if err != nil {
				handleError(config, w, r, err)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				if config.OnRateLimited != nil {
					config.OnRateLimited(w, r, result)
					return
				}
				retryAfter := int(result.RetryAfter(time.Now()).Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Charge creates an HTTP middleware that debits credits and records usage
// before the request reaches the handler. The handler only runs if the charge
// succeeded.
func Charge(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			amount, err := config.GetAmount(r)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				}
				return
			}

			_, err = config.Ledger.Charge(r.Context(), gocredit.ChargeRequest{
				UserID: userID,
				Kind:   config.GetKind(r),
				Amount: amount,
			})
			if err != nil {
				switch {
				case errors.Is(err, gocredit.ErrInsufficientCredits):
					if config.OnInsufficientCredits != nil {
						config.OnInsufficientCredits(w, r)
					} else {
						msg := fmt.Sprintf("Insufficient credits: %d required", amount)
						http.Error(w, msg, http.StatusPaymentRequired)
					}
				case errors.Is(err, gocredit.ErrAccountSuspended):
					http.Error(w, "Account Suspended", http.StatusForbidden)
				case errors.Is(err, gocredit.ErrAccountNotFound):
					http.Error(w, "Unknown Account", http.StatusForbidden)
				default:
					handleError(config, w, r, err)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc adapts a middleware to the http.HandlerFunc form
func HandlerFunc(mw func(http.Handler) http.Handler) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			mw(next).ServeHTTP(w, r)
		}
	}
}

func handleError(config Config, w http.ResponseWriter, r *http.Request, err error) {
	if config.OnError != nil {
		config.OnError(w, r, err)
		return
	}
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

// Common extractors for convenience

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(*http.Request) (int, error) {
		return amount, nil
	}
}

// FixedKind returns a KindExtractor that always returns a fixed kind
func FixedKind(kind string) KindExtractor {
	return func(*http.Request) string {
		return kind
	}
}

// BodyLength returns an AmountExtractor that uses the request body length
// Useful for character- or byte-metered actions
func BodyLength() AmountExtractor {
	return func(r *http.Request) (int, error) {
		if r.Body == nil {
			return 0, nil
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			return 0, err
		}

		// Restore body for next handler
		r.Body = io.NopCloser(bytes.NewReader(body))

		return len(body), nil
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "gocredit:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
