// Package stripe implements the billing.Provider interface on Stripe Checkout.
// Credit packs are sold as one-time payments; the webhook credits the buyer's
// ledger when the checkout session completes.
package stripe

import (
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocredit/pkg/billing"
	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

const (
	providerName    = "stripe"
	defaultCurrency = "usd"

	// creditReasonPurchase labels purchase credits in the usage metrics
	creditReasonPurchase = "purchase"

	maxWebhookBody = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Ledger, Packs, etc.)

	// StripeAPIKey is the secret API key for outbound Stripe calls
	StripeAPIKey string

	// StripeWebhookSecret is the signing secret for webhook verification
	StripeWebhookSecret string
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	ledger        *gocredit.Ledger
	packs         map[string]billing.CreditPack
	stripeClient  *stripe.Client
	webhookSecret []byte
	onCredit      billing.CreditCallback
	logger        gocredit.Logger
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Ledger == nil || len(config.Packs) == 0 {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	logger := config.Logger
	if logger == nil {
		logger = &gocredit.NoopLogger{}
	}

	packs := make(map[string]billing.CreditPack, len(config.Packs))
	for id, pack := range config.Packs {
		if pack.ID == "" {
			pack.ID = id
		}
		if pack.Currency == "" {
			pack.Currency = defaultCurrency
		}
		packs[id] = pack
	}

	return &Provider{
		ledger:        config.Ledger,
		packs:         packs,
		stripeClient:  stripe.NewClient(apiKey),
		webhookSecret: []byte(strings.TrimSpace(config.StripeWebhookSecret)),
		onCredit:      config.OnCredit,
		logger:        logger,
	}, nil
}

// Name implements billing.Provider
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler implements billing.Provider
func (p *Provider) WebhookHandler() http.Handler {
	return http.HandlerFunc(p.handleWebhook)
}
