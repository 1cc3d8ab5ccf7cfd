// This file implements the Stripe webhook handler for processing billing events.
//
// Route:
//   - POST /webhooks/stripe -> HandleStripeWebhook
//
// This route is PUBLIC (no service token) because Stripe calls it directly.
// Authentication is via the Stripe webhook signature verification.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"

	"github.com/nicqtran/umami-server/internal/billing"
	"github.com/nicqtran/umami-server/internal/store"
)

// WebhookHandler handles incoming webhook events from Stripe.
type WebhookHandler struct {
	billing billing.Service
	store   store.EntitlementStore
	logger  *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
// billingService may be nil when Stripe is not configured.
func NewWebhookHandler(billingService billing.Service, st store.EntitlementStore, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		billing: billingService,
		store:   st,
		logger:  logger,
	}
}

// HandleStripeWebhook processes incoming Stripe webhook events.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.billing == nil {
		h.logger.Warn("stripe webhook received but billing is not configured")
		w.WriteHeader(http.StatusOK)
		return
	}

	// Read body (limit to 64KB)
	body, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := h.billing.VerifyWebhookSignature(body, signature)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.logger.Info("stripe webhook received", "type", event.Type, "id", event.ID)

	switch event.Type {
	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted":
		h.handleSubscriptionEvent(event)
	default:
		h.logger.Debug("unhandled webhook event type", "type", event.Type)
	}

	w.WriteHeader(http.StatusOK)
}

// handleSubscriptionEvent applies a subscription's state to the owning
// user's billing profile. Created, updated, and deleted events all carry
// the full subscription object, so one path covers them.
func (h *WebhookHandler) handleSubscriptionEvent(event stripe.Event) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		h.logger.Error("failed to parse subscription event", "error", err, "type", event.Type)
		return
	}

	userID, err := h.resolveUser(webhookCtx(), &sub)
	if err != nil {
		h.logger.Warn("no user found for subscription event",
			"error", err, "subscription_id", sub.ID, "type", event.Type)
		return
	}

	now := time.Now().UTC()
	err = h.store.WithProfile(webhookCtx(), userID, func(tx store.ProfileTx) error {
		billing.ApplySubscription(tx.Profile(), &sub, now)
		return tx.SaveProfile(webhookCtx())
	})
	if err != nil {
		h.logger.Error("failed to apply subscription event", "error", err, "user_id", userID)
		return
	}

	h.logger.Info("subscription event processed",
		"user_id", userID, "type", event.Type, "status", sub.Status)
}

// resolveUser finds the profile owner for a subscription. The checkout flow
// stamps user_id into subscription metadata; the customer link on the
// profile is the fallback for older subscriptions.
func (h *WebhookHandler) resolveUser(ctx context.Context, sub *stripe.Subscription) (uuid.UUID, error) {
	if raw, ok := sub.Metadata["user_id"]; ok {
		if userID, err := uuid.Parse(raw); err == nil {
			return userID, nil
		}
		h.logger.Warn("subscription metadata carries malformed user_id",
			"subscription_id", sub.ID, "user_id", raw)
	}

	if sub.Customer == nil {
		return uuid.Nil, errors.New("subscription has no customer")
	}
	return h.store.FindByStripeCustomer(ctx, sub.Customer.ID)
}

// webhookCtx returns a background context for webhook processing.
// Webhooks are async events and don't have a user request context.
func webhookCtx() context.Context {
	return context.Background()
}
