// Package billing provides Stripe subscription integration: webhook
// verification, subscription lookup, and the mapping from Stripe
// subscription state to the pro status stored on billing profiles.
package billing

import (
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/subscription"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/nicqtran/umami-server/internal/domain"
)

// Service defines the interface for billing operations.
type Service interface {
	// GetSubscription retrieves a Stripe subscription by ID.
	GetSubscription(subscriptionID string) (*stripe.Subscription, error)

	// VerifyWebhookSignature verifies the Stripe webhook signature and returns the event.
	VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error)
}

// stripeService is the concrete implementation of Service.
type stripeService struct {
	webhookSecret string
}

// NewStripeService creates a new Stripe billing service.
//
// The secretKey is used to authenticate Stripe API calls.
// The webhookSecret is used to verify incoming webhook signatures.
func NewStripeService(secretKey, webhookSecret string) Service {
	stripe.Key = secretKey

	return &stripeService{
		webhookSecret: webhookSecret,
	}
}

func (s *stripeService) GetSubscription(subscriptionID string) (*stripe.Subscription, error) {
	sub, err := subscription.Get(subscriptionID, nil)
	if err != nil {
		return nil, fmt.Errorf("stripe get subscription: %w", err)
	}
	return sub, nil
}

func (s *stripeService) VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("stripe webhook signature verification failed: %w", err)
	}
	return event, nil
}

// ProStatusForSubscription maps a Stripe subscription status to the pro
// status stored on the billing profile.
//
// Stripe only reports canceled once the subscription has fully ended; a
// subscription set to cancel at period end stays active with the
// CancelAtPeriodEnd flag until then.
func ProStatusForSubscription(sub *stripe.Subscription) domain.ProStatus {
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return domain.ProStatusActive
	case stripe.SubscriptionStatusPastDue:
		return domain.ProStatusGrace
	case stripe.SubscriptionStatusCanceled:
		return domain.ProStatusCanceled
	default:
		// incomplete, incomplete_expired, unpaid, paused
		return domain.ProStatusExpired
	}
}

// ApplySubscription writes a Stripe subscription's state onto a billing
// profile. The profile's trial fields are never touched here; the trial
// lifecycle is owned by the trial activator.
func ApplySubscription(profile *domain.BillingProfile, sub *stripe.Subscription, syncedAt time.Time) {
	profile.ProStatus = ProStatusForSubscription(sub)
	profile.ProCancelAtPeriodEnd = sub.CancelAtPeriodEnd
	profile.StripeSubscriptionID = sub.ID
	if sub.Customer != nil {
		profile.StripeCustomerID = sub.Customer.ID
	}

	if sub.CurrentPeriodEnd > 0 {
		renewsAt := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		profile.ProRenewsAt = &renewsAt
	} else {
		profile.ProRenewsAt = nil
	}

	synced := syncedAt.UTC()
	profile.LastStatusSync = &synced
}
