package stripe

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocredit/pkg/billing"
)

// CheckoutURL creates a Stripe Checkout Session for a one-time credit pack
// purchase and returns the URL. The pack and user travel in the session
// metadata so the webhook can credit the right account.
func (p *Provider) CheckoutURL(
	ctx context.Context, userID, packID, successURL, cancelURL string,
) (string, error) {
	pack, ok := p.packs[packID]
	if !ok {
		return "", fmt.Errorf("%w: %s", billing.ErrPackNotConfigured, packID)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency: stripe.String(pack.Currency),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(pack.Name),
					},
					UnitAmount: stripe.Int64(pack.PriceCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(userID),
	}

	// The webhook handler relies on this metadata to credit the purchase
	params.Metadata = map[string]string{
		"user_id": userID,
		"pack_id": pack.ID,
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
	return session.URL, nil
}
