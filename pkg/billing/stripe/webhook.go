package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocredit/pkg/billing"
	"github.com/mihaimyh/gocredit/pkg/billing/internal"
	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := p.processWebhookEvent(r.Context(), &event); err != nil {
		// Stripe retries on non-2xx; the event-ID idempotency key makes the
		// retry safe even if the credit already landed
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Response body is best-effort after the status line
	_, _ = w.Write([]byte("ok"))
}

// processWebhookEvent dispatches a verified webhook event
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return p.handleCheckoutSessionCompleted(ctx, event)
	default:
		// Unknown event type - ignore silently
		return nil
	}
}

// handleCheckoutSessionCompleted credits the purchased pack to the buyer.
// The Stripe event ID doubles as the ledger idempotency key, so a redelivered
// event returns the recorded balance instead of crediting twice.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil // async payment still pending; a later event confirms it
	}

	userID := session.Metadata["user_id"]
	packID := session.Metadata["pack_id"]
	if userID == "" || packID == "" {
		// Not a credit pack checkout; some other flow owns this session
		return nil
	}

	pack, ok := p.packs[packID]
	if !ok {
		return fmt.Errorf("%w: %s", billing.ErrPackNotConfigured, packID)
	}

	newBalance, err := p.ledger.Credit(ctx, userID, pack.Credits,
		gocredit.WithCreditIdempotencyKey("stripe-event:"+event.ID),
		gocredit.WithCreditReason(creditReasonPurchase),
	)
	if err != nil {
		return fmt.Errorf("failed to credit purchase: %w", err)
	}

	p.logger.Info("credit pack purchased",
		gocredit.Field{Key: "user_id", Value: userID},
		gocredit.Field{Key: "pack_id", Value: packID},
		gocredit.Field{Key: "credits", Value: pack.Credits},
		gocredit.Field{Key: "event_id", Value: event.ID},
	)

	if p.onCredit != nil {
		p.onCredit(ctx, &billing.CreditEvent{
			UserID:         userID,
			PackID:         packID,
			Credits:        pack.Credits,
			NewBalance:     newBalance,
			Provider:       providerName,
			EventID:        event.ID,
			EventTimestamp: time.Unix(event.Created, 0),
		})
	}
	return nil
}
