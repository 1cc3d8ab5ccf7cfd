// Package domain contains core business types and interfaces.
//
// This file defines the derived AccessStatus snapshot and the day-bucket
// arithmetic the entitlement engine is built on. Nothing here is persisted;
// an AccessStatus is computed fresh on every call.
package domain

import (
	"time"
)

// AccessState is the derived entitlement state reported to clients.
type AccessState string

const (
	StateFreeUser       AccessState = "FREE_USER"
	StateFreeLimit      AccessState = "FREE_LIMIT"
	StateTrialUser      AccessState = "TRIAL_USER"
	StateTrialUserLimit AccessState = "TRIAL_USER_LIMIT"
	StateTrialExpired   AccessState = "TRIAL_EXPIRED"
	StateProUser        AccessState = "PRO_USER"
	StateProUserLimit   AccessState = "PRO_USER_LIMIT"
	StateProExpired     AccessState = "PRO_EXPIRED"
)

// AtLimit returns the limit-suffixed variant of a base state. States without
// a dedicated limit variant collapse to FREE_LIMIT.
func (s AccessState) AtLimit() AccessState {
	switch s {
	case StateProUser:
		return StateProUserLimit
	case StateTrialUser:
		return StateTrialUserLimit
	default:
		return StateFreeLimit
	}
}

// Denial reasons. These are expected business outcomes, not errors: the
// caller must branch on them, so they travel in the response body.
const (
	ReasonDailyLimitReached = "daily_limit_reached"
	ReasonTrialAlreadyUsed  = "trial_already_used"
	ReasonNoUsageRecord     = "no_usage_record"
)

// Daily scan limits per entitlement tier.
const (
	DailyScanLimitPro  = 10
	DailyScanLimitFree = 2
)

// DailyScanLimit returns the cap in effect when pro or trial entitlements
// apply.
func DailyScanLimit(proActive, trialActive bool) int {
	if proActive || trialActive {
		return DailyScanLimitPro
	}
	return DailyScanLimitFree
}

// AccessStatus is a point-in-time snapshot of a user's scan entitlement.
// Field names match the mobile contract.
type AccessStatus struct {
	State          AccessState `json:"state"`
	Reason         string      `json:"reason,omitempty"`
	DailyLimit     int         `json:"dailyLimit"`
	UsedToday      int         `json:"usedToday"`
	RemainingToday int         `json:"remainingToday"`
	TrialEndsAt    *time.Time  `json:"trialEndsAt,omitempty"`
	TrialDaysLeft  int         `json:"trialDaysLeft"`
	ProRenewsAt    *time.Time  `json:"proRenewsAt,omitempty"`
	CanStartTrial  bool        `json:"canStartTrial"`
	Timezone       string      `json:"timezone"`
	TrialUsed      bool        `json:"trialUsed"`
	ProStatus      ProStatus   `json:"proStatus"`
}

// Admitted reports whether the status represents a successful admission
// (no denial reason set).
func (a *AccessStatus) Admitted() bool {
	return a.Reason == ""
}

// Day identifies one calendar day in the user's effective zone, formatted
// 2006-01-02. It is the usage-counter bucket key: two scans seconds apart
// across local midnight land in different buckets.
type Day string

// DayOf buckets an instant into the calendar day of the given zone.
func DayOf(t time.Time, loc *time.Location) Day {
	return Day(t.In(loc).Format(time.DateOnly))
}

// Time returns midnight at the start of the day in the given zone.
func (d Day) Time(loc *time.Location) time.Time {
	t, err := time.ParseInLocation(time.DateOnly, string(d), loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

// TrialDaysLeft counts the whole calendar days remaining between today and
// the trial expiry, both taken in the effective zone, floored at zero.
// The subtraction happens on UTC dates so DST transitions in loc cannot
// skew the count.
func TrialDaysLeft(today Day, expiresAt time.Time, loc *time.Location) int {
	expiryDay := DayOf(expiresAt, loc)
	days := int(expiryDay.Time(time.UTC).Sub(today.Time(time.UTC)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// RefundResult reports the outcome of returning one admitted scan.
type RefundResult struct {
	Success          bool   `json:"success"`
	ScansAfterRefund int    `json:"scansAfterRefund,omitempty"`
	Reason           string `json:"reason,omitempty"`
}
