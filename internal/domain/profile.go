// Package domain contains core business types and interfaces.
//
// This file defines the BillingProfile type: the per-user record that the
// entitlement engine derives scan access from. Subscription fields are synced
// from Stripe (the billing source of truth); trial fields are written once by
// the trial activator. The engine's read path never mutates a profile.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProStatus represents the possible states of a user's paid subscription.
//
// StatusTrialing overloads the subscription field to mark an active trial.
// This mirrors the mobile contract; use TrialActiveAt rather than comparing
// against StatusTrialing when deciding entitlements.
type ProStatus string

const (
	ProStatusActive   ProStatus = "active"
	ProStatusGrace    ProStatus = "grace"
	ProStatusCanceled ProStatus = "canceled"
	ProStatusExpired  ProStatus = "expired"
	ProStatusTrialing ProStatus = "trialing"
)

// DefaultTimezone is the zone assumed until a profile learns a real one.
const DefaultTimezone = "UTC"

// TrialDays is the length of the one-time trial window in calendar days.
const TrialDays = 14

// BillingProfile is the persistent entitlement record for one user.
//
// Created lazily the first time any gate operation touches a user and never
// deleted. TrialUsed is sticky: once true it is never reset, even after the
// trial window closes.
type BillingProfile struct {
	UserID               uuid.UUID
	ProStatus            ProStatus
	ProRenewsAt          *time.Time
	ProCancelAtPeriodEnd bool
	StripeCustomerID     string
	StripeSubscriptionID string
	TrialStartedAt       *time.Time
	TrialExpiresAt       *time.Time
	TrialUsed            bool
	Timezone             string
	LastStatusSync       *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// NewBillingProfile returns a profile with free-tier defaults.
func NewBillingProfile(userID uuid.UUID, now time.Time) *BillingProfile {
	return &BillingProfile{
		UserID:    userID,
		ProStatus: ProStatusExpired,
		Timezone:  DefaultTimezone,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ProActiveAt reports whether the paid subscription grants access at the
// given instant. A renewal timestamp in the past lapses an otherwise active
// subscription.
func (p *BillingProfile) ProActiveAt(now time.Time) bool {
	if p.ProStatus != ProStatusActive && p.ProStatus != ProStatusGrace {
		return false
	}
	return p.ProRenewsAt == nil || p.ProRenewsAt.After(now)
}

// TrialActiveAt reports whether the trial window is open at the given
// instant.
func (p *BillingProfile) TrialActiveAt(now time.Time) bool {
	return p.TrialExpiresAt != nil && p.TrialExpiresAt.After(now)
}

// HasDefaultTimezone reports whether the profile has not yet learned a real
// zone. The stored zone is only ever overwritten while this is true.
func (p *BillingProfile) HasDefaultTimezone() bool {
	return p.Timezone == "" || p.Timezone == DefaultTimezone
}
