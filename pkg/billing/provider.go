// Package billing defines the provider-agnostic surface for selling credit
// packs. A provider turns a pack purchase into a hosted checkout and, on the
// provider's webhook confirming payment, credits the buyer's ledger balance
// exactly once.
package billing

import (
	"context"
	"net/http"
	"time"
)

// Provider is the generic interface that any billing backend must implement.
// This allows the application to swap payment providers with zero logic changes.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes payment events.
	// The implementation handles validation, parsing, and ledger credits
	// internally; a replayed event never credits twice.
	WebhookHandler() http.Handler

	// CheckoutURL creates a hosted checkout session for a configured credit
	// pack and returns its URL
	CheckoutURL(ctx context.Context, userID, packID, successURL, cancelURL string) (string, error)
}

// CreditPack is a purchasable bundle of credits
type CreditPack struct {
	// ID identifies the pack in checkout metadata (e.g., "starter", "pro")
	ID string

	// Name is the human-readable product name shown at checkout
	Name string

	// Credits is the number of credits granted on purchase
	Credits int

	// PriceCents is the price in the smallest currency unit
	PriceCents int64

	// Currency is the ISO 4217 currency code (default: "usd")
	Currency string
}

// CreditEvent contains information about a successfully processed purchase.
// It is passed to the CreditCallback after the ledger has been credited.
type CreditEvent struct {
	// UserID is the internal user identifier
	UserID string

	// PackID is the purchased credit pack
	PackID string

	// Credits is the number of credits granted
	Credits int

	// NewBalance is the balance after the credit
	NewBalance int

	// Provider is the billing provider name
	Provider string

	// EventID is the provider's event identifier, also used as the
	// idempotency key for the ledger credit
	EventID string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time
}

// CreditCallback is invoked after a purchase has been credited
type CreditCallback func(ctx context.Context, event *CreditEvent)
