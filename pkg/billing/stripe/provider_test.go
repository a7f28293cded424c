package stripe

import (
	"errors"
	"testing"

	"github.com/mihaimyh/gocredit/pkg/billing"
)

func TestNewProvider_RequiresLedgerPacksAndKey(t *testing.T) {
	ledger := testLedger(t)
	packs := map[string]billing.CreditPack{
		"starter": {Name: "Starter", Credits: 100, PriceCents: 500},
	}

	tests := []struct {
		name   string
		config Config
	}{
		{"missing ledger", Config{
			Config:       billing.Config{Packs: packs},
			StripeAPIKey: testStripeAPIKey,
		}},
		{"missing packs", Config{
			Config:       billing.Config{Ledger: ledger},
			StripeAPIKey: testStripeAPIKey,
		}},
		{"missing API key", Config{
			Config: billing.Config{Ledger: ledger, Packs: packs},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvider(tt.config)
			if !errors.Is(err, billing.ErrProviderNotConfigured) {
				t.Errorf("expected ErrProviderNotConfigured, got %v", err)
			}
		})
	}
}

func TestNewProvider_FillsPackDefaults(t *testing.T) {
	provider := testProvider(t, testLedger(t))

	pack, ok := provider.packs["starter"]
	if !ok {
		t.Fatal("expected starter pack configured")
	}
	if pack.ID != "starter" {
		t.Errorf("expected pack ID filled from the map key, got %q", pack.ID)
	}
	if pack.Currency != defaultCurrency {
		t.Errorf("expected default currency %q, got %q", defaultCurrency, pack.Currency)
	}
}

func TestProvider_Name(t *testing.T) {
	provider := testProvider(t, testLedger(t))
	if provider.Name() != "stripe" {
		t.Errorf("expected provider name stripe, got %q", provider.Name())
	}
}
