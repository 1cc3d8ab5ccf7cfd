// Package service contains the business logic layer.
//
// This file implements the scan entitlement gate: derivation of a user's
// AccessStatus from subscription and trial state, atomic admission of one
// scan against the day's cap, one-time trial activation, and the
// compensating refund used when a scan fails downstream.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nicqtran/umami-server/internal/domain"
	"github.com/nicqtran/umami-server/internal/metrics"
	"github.com/nicqtran/umami-server/internal/store"
	"github.com/nicqtran/umami-server/internal/timezone"
)

// =============================================================================
// Interface Definition
// =============================================================================

// EntitlementService is the admission-control gate for AI meal scans.
//
// All methods are backend-privileged: they can read and mutate
// billing-adjacent state and must never be reachable directly by an
// end-user client.
type EntitlementService interface {
	// GetAccessStatus computes the user's current entitlement snapshot.
	// With increment=true it additionally admits one scan, atomically
	// against the daily cap: for a fixed user and day, the number of calls
	// that return an admitted status never exceeds the daily limit, for any
	// number of concurrent callers. A denial is a normal outcome carried in
	// the Reason field, not an error.
	GetAccessStatus(ctx context.Context, userID uuid.UUID, requestedZone string, increment bool) (*domain.AccessStatus, error)

	// StartTrial opens the one-time 14-day trial window and returns the
	// resulting status without consuming usage. A second activation returns
	// Reason=trial_already_used with the window unchanged.
	StartTrial(ctx context.Context, userID uuid.UUID, requestedZone string) (*domain.AccessStatus, error)

	// RefundScan returns one previously admitted scan for today's bucket,
	// floored at zero. Safe to call defensively: a missing counter row
	// yields {success:false, reason:no_usage_record}, not an error.
	RefundScan(ctx context.Context, userID uuid.UUID, requestedZone string) (*domain.RefundResult, error)
}

// =============================================================================
// Implementation
// =============================================================================

type entitlementService struct {
	store  store.EntitlementStore
	logger *slog.Logger
	now    func() time.Time
}

// NewEntitlementService creates a new EntitlementService.
func NewEntitlementService(st store.EntitlementStore, logger *slog.Logger) EntitlementService {
	return &entitlementService{
		store:  st,
		logger: logger,
		now:    time.Now,
	}
}

// NewEntitlementServiceWithClock creates an EntitlementService with a fixed
// clock, for tests that exercise day boundaries and trial windows.
func NewEntitlementServiceWithClock(st store.EntitlementStore, logger *slog.Logger, clock func() time.Time) EntitlementService {
	return &entitlementService{
		store:  st,
		logger: logger,
		now:    clock,
	}
}

// effectiveZone applies the zone-locking policy: once a profile has learned
// a non-default zone, that zone wins over anything the request supplies, so
// a user's calendar day stays stable across devices and travel. While the
// profile is still on the default, a validated requested zone takes effect.
func effectiveZone(profile *domain.BillingProfile, requestedZone string) (*time.Location, string) {
	if !profile.HasDefaultTimezone() {
		return timezone.MustLoad(profile.Timezone), profile.Timezone
	}
	if loc, name, ok := timezone.Resolve(requestedZone); ok {
		return loc, name
	}
	return time.UTC, domain.DefaultTimezone
}

// baseState derives the entitlement state by strict priority order. The
// order is part of the contract: a lapsed or canceled subscription masks a
// still-open trial window.
func baseState(profile *domain.BillingProfile, proActive, trialActive bool) domain.AccessState {
	switch {
	case proActive:
		return domain.StateProUser
	case profile.ProStatus == domain.ProStatusActive,
		profile.ProStatus == domain.ProStatusGrace,
		profile.ProStatus == domain.ProStatusCanceled:
		return domain.StateProExpired
	case trialActive:
		return domain.StateTrialUser
	case profile.TrialUsed:
		return domain.StateTrialExpired
	default:
		return domain.StateFreeUser
	}
}

// GetAccessStatus runs the whole read-derive-admit sequence under the
// user's exclusive lock, so concurrent decisions for the same user
// serialize while other users proceed untouched.
func (s *entitlementService) GetAccessStatus(ctx context.Context, userID uuid.UUID, requestedZone string, increment bool) (*domain.AccessStatus, error) {
	const op = "entitlement.get_access_status"

	var status *domain.AccessStatus
	err := s.store.WithProfile(ctx, userID, func(tx store.ProfileTx) error {
		profile := tx.Profile()
		now := s.now().UTC()

		loc, zoneName := effectiveZone(profile, requestedZone)
		zoneLearned := profile.HasDefaultTimezone() && zoneName != profile.Timezone

		day := domain.DayOf(now, loc)
		trialActive := profile.TrialActiveAt(now)
		proActive := profile.ProActiveAt(now)
		limit := domain.DailyScanLimit(proActive, trialActive)

		used, err := tx.ScansUsed(ctx, day)
		if err != nil {
			return err
		}

		state := baseState(profile, proActive, trialActive)
		st := &domain.AccessStatus{
			State:         state,
			DailyLimit:    limit,
			UsedToday:     used,
			TrialEndsAt:   profile.TrialExpiresAt,
			ProRenewsAt:   profile.ProRenewsAt,
			CanStartTrial: !profile.TrialUsed,
			Timezone:      zoneName,
			TrialUsed:     profile.TrialUsed,
			ProStatus:     profile.ProStatus,
		}
		if trialActive {
			st.TrialDaysLeft = domain.TrialDaysLeft(day, *profile.TrialExpiresAt, loc)
		}

		if used >= limit {
			st.Reason = domain.ReasonDailyLimitReached
			st.State = state.AtLimit()
		} else if increment {
			count, admitted, err := tx.AdmitScan(ctx, day, limit, now)
			if err != nil {
				return err
			}
			st.UsedToday = count
			if !admitted {
				// Cap reached concurrently between the read above and the
				// guarded write. Deny, don't error.
				st.Reason = domain.ReasonDailyLimitReached
				st.State = state.AtLimit()
			}
		}

		st.RemainingToday = max(st.DailyLimit-st.UsedToday, 0)

		if zoneLearned {
			profile.Timezone = zoneName
			if err := tx.SaveProfile(ctx); err != nil {
				return err
			}
		}

		status = st
		return nil
	})
	if err != nil {
		return nil, domain.Internal(err, op, "failed to compute access status")
	}

	if increment {
		outcome := "admitted"
		if !status.Admitted() {
			outcome = "denied"
			metrics.ScanDenialsTotal.WithLabelValues(status.Reason).Inc()
			s.logger.Info("Scan admission denied",
				"user_id", userID,
				"state", status.State,
				"used", status.UsedToday,
				"limit", status.DailyLimit,
			)
		}
		metrics.ScanAdmissionsTotal.WithLabelValues(outcome).Inc()
	}

	return status, nil
}

// StartTrial performs the one-time trial transition under the same per-user
// lock as GetAccessStatus, then returns a fresh status snapshot.
func (s *entitlementService) StartTrial(ctx context.Context, userID uuid.UUID, requestedZone string) (*domain.AccessStatus, error) {
	const op = "entitlement.start_trial"

	alreadyUsed := false
	err := s.store.WithProfile(ctx, userID, func(tx store.ProfileTx) error {
		profile := tx.Profile()
		if profile.TrialUsed {
			alreadyUsed = true
			return nil
		}

		now := s.now().UTC()
		loc, zoneName := effectiveZone(profile, requestedZone)

		// The window is 14 calendar days in the user's zone, stored back as
		// absolute instants.
		expiresAt := now.In(loc).AddDate(0, 0, domain.TrialDays).UTC()
		profile.TrialStartedAt = &now
		profile.TrialExpiresAt = &expiresAt
		profile.TrialUsed = true
		profile.ProStatus = domain.ProStatusTrialing
		if profile.HasDefaultTimezone() {
			profile.Timezone = zoneName
		}
		return tx.SaveProfile(ctx)
	})
	if err != nil {
		return nil, domain.Internal(err, op, "failed to start trial")
	}

	if alreadyUsed {
		// Normal outcome, not a fault: report current status with the
		// denial reason, stored zone wins.
		status, err := s.GetAccessStatus(ctx, userID, "", false)
		if err != nil {
			return nil, err
		}
		status.Reason = domain.ReasonTrialAlreadyUsed
		return status, nil
	}

	s.logger.Info("Trial started", "user_id", userID, "days", domain.TrialDays)
	metrics.TrialActivationsTotal.Inc()

	return s.GetAccessStatus(ctx, userID, requestedZone, false)
}

// RefundScan resolves today's bucket the same way the admission path does,
// then decrements it atomically. It never locks or mutates the profile.
func (s *entitlementService) RefundScan(ctx context.Context, userID uuid.UUID, requestedZone string) (*domain.RefundResult, error) {
	const op = "entitlement.refund_scan"

	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// A user with no profile has no usage to return.
			return &domain.RefundResult{Success: false, Reason: domain.ReasonNoUsageRecord}, nil
		}
		return nil, domain.Internal(err, op, "failed to load profile")
	}

	loc, _ := effectiveZone(profile, requestedZone)
	day := domain.DayOf(s.now().UTC(), loc)

	scans, ok, err := s.store.RefundScan(ctx, userID, day)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to refund scan")
	}
	if !ok {
		metrics.ScanRefundsTotal.WithLabelValues("no_usage_record").Inc()
		return &domain.RefundResult{Success: false, Reason: domain.ReasonNoUsageRecord}, nil
	}

	s.logger.Info("Scan refunded", "user_id", userID, "day", day, "scans_after", scans)
	metrics.ScanRefundsTotal.WithLabelValues("refunded").Inc()

	return &domain.RefundResult{Success: true, ScansAfterRefund: scans}, nil
}
