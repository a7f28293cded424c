package billing

import (
	"net/http"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Ledger is the credit ledger that purchases are credited to
	Ledger *gocredit.Ledger

	// Packs maps pack IDs to the credit packs offered at checkout.
	// For example: {"starter": {Credits: 100, PriceCents: 499}}
	Packs map[string]CreditPack

	// WebhookSecret is used to verify incoming webhook requests
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// OnCredit is an optional callback invoked after a purchase has been
	// credited to the ledger
	OnCredit CreditCallback

	// Logger is an optional structured logger (default: NoopLogger)
	Logger gocredit.Logger
}
