package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nicqtran/umami-server/internal/domain"
	"github.com/nicqtran/umami-server/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testClock is a settable clock shared by the store and the service.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestGate(clock *testClock) (EntitlementService, *store.Memory) {
	st := store.NewMemory()
	st.Now = clock.Now
	svc := NewEntitlementServiceWithClock(st, testLogger(), clock.Now)
	return svc, st
}

// setProfile mutates a user's profile directly through the store.
func setProfile(t *testing.T, st *store.Memory, userID uuid.UUID, mutate func(*domain.BillingProfile)) {
	t.Helper()
	err := st.WithProfile(context.Background(), userID, func(tx store.ProfileTx) error {
		mutate(tx.Profile())
		return tx.SaveProfile(context.Background())
	})
	if err != nil {
		t.Fatalf("setProfile: %v", err)
	}
}

func TestGetAccessStatus_ReadDoesNotConsume(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestGate(clock)
	userID := uuid.New()

	for i := 0; i < 5; i++ {
		status, err := svc.GetAccessStatus(context.Background(), userID, "", false)
		if err != nil {
			t.Fatalf("GetAccessStatus: %v", err)
		}
		if status.State != domain.StateFreeUser {
			t.Errorf("expected FREE_USER, got %s", status.State)
		}
		if status.UsedToday != 0 {
			t.Errorf("read call consumed usage: usedToday=%d", status.UsedToday)
		}
		if status.DailyLimit != domain.DailyScanLimitFree {
			t.Errorf("expected free limit %d, got %d", domain.DailyScanLimitFree, status.DailyLimit)
		}
		if status.RemainingToday != domain.DailyScanLimitFree {
			t.Errorf("expected remaining %d, got %d", domain.DailyScanLimitFree, status.RemainingToday)
		}
		if !status.CanStartTrial {
			t.Error("new user should be able to start trial")
		}
	}
}

func TestGetAccessStatus_SequentialConsumption(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestGate(clock)
	userID := uuid.New()

	// Free tier: two scans admitted, third denied.
	for i := 1; i <= domain.DailyScanLimitFree; i++ {
		status, err := svc.GetAccessStatus(context.Background(), userID, "", true)
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		if !status.Admitted() {
			t.Fatalf("admit %d: unexpectedly denied (%s)", i, status.Reason)
		}
		if status.UsedToday != i {
			t.Errorf("admit %d: usedToday=%d", i, status.UsedToday)
		}
		if status.RemainingToday != domain.DailyScanLimitFree-i {
			t.Errorf("admit %d: remainingToday=%d", i, status.RemainingToday)
		}
	}

	status, err := svc.GetAccessStatus(context.Background(), userID, "", true)
	if err != nil {
		t.Fatalf("over-limit admit: %v", err)
	}
	if status.Admitted() {
		t.Fatal("scan past the cap was admitted")
	}
	if status.Reason != domain.ReasonDailyLimitReached {
		t.Errorf("expected reason %q, got %q", domain.ReasonDailyLimitReached, status.Reason)
	}
	if status.State != domain.StateFreeLimit {
		t.Errorf("expected FREE_LIMIT, got %s", status.State)
	}
	if status.UsedToday != domain.DailyScanLimitFree {
		t.Errorf("denial must not consume: usedToday=%d", status.UsedToday)
	}
	if status.RemainingToday != 0 {
		t.Errorf("expected remaining 0, got %d", status.RemainingToday)
	}
}

func TestGetAccessStatus_ConcurrentAdmissionsNeverExceedCap(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc, st := newTestGate(clock)
	userID := uuid.New()

	// Pro user, cap 10.
	renews := clock.Now().Add(30 * 24 * time.Hour)
	setProfile(t, st, userID, func(p *domain.BillingProfile) {
		p.ProStatus = domain.ProStatusActive
		p.ProRenewsAt = &renews
	})

	const callers = 50
	var wg sync.WaitGroup
	admitted := make(chan bool, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := svc.GetAccessStatus(context.Background(), userID, "", true)
			if err != nil {
				t.Errorf("concurrent admit: %v", err)
				return
			}
			admitted <- status.Admitted()
		}()
	}
	wg.Wait()
	close(admitted)

	count := 0
	for ok := range admitted {
		if ok {
			count++
		}
	}
	if count != domain.DailyScanLimitPro {
		t.Fatalf("admitted %d scans, cap is %d", count, domain.DailyScanLimitPro)
	}

	// The counter itself must sit exactly at the cap.
	status, err := svc.GetAccessStatus(context.Background(), userID, "", false)
	if err != nil {
		t.Fatalf("final read: %v", err)
	}
	if status.UsedToday != domain.DailyScanLimitPro {
		t.Errorf("counter overran: usedToday=%d", status.UsedToday)
	}
}

func TestStartTrial_OpensFourteenDayWindow(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestGate(clock)
	userID := uuid.New()

	status, err := svc.StartTrial(context.Background(), userID, "America/New_York")
	if err != nil {
		t.Fatalf("StartTrial: %v", err)
	}
	if status.State != domain.StateTrialUser {
		t.Errorf("expected TRIAL_USER, got %s", status.State)
	}
	if status.DailyLimit != domain.DailyScanLimitPro {
		t.Errorf("trial should carry pro limit, got %d", status.DailyLimit)
	}
	if status.TrialDaysLeft != domain.TrialDays {
		t.Errorf("expected %d days left, got %d", domain.TrialDays, status.TrialDaysLeft)
	}
	if status.CanStartTrial {
		t.Error("canStartTrial should flip false on activation")
	}
	if !status.TrialUsed {
		t.Error("trialUsed should be set")
	}
	if status.ProStatus != domain.ProStatusTrialing {
		t.Errorf("expected proStatus trialing, got %s", status.ProStatus)
	}
	if status.TrialEndsAt == nil {
		t.Fatal("trialEndsAt missing")
	}

	want := clock.Now().In(mustZone(t, "America/New_York")).AddDate(0, 0, domain.TrialDays).UTC()
	if !status.TrialEndsAt.Equal(want) {
		t.Errorf("trialEndsAt = %v, want %v", status.TrialEndsAt, want)
	}
}

func TestStartTrial_SecondActivationIsRejectedUnchanged(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestGate(clock)
	userID := uuid.New()

	first, err := svc.StartTrial(context.Background(), userID, "")
	if err != nil {
		t.Fatalf("first StartTrial: %v", err)
	}

	clock.Set(clock.Now().Add(48 * time.Hour))

	second, err := svc.StartTrial(context.Background(), userID, "")
	if err != nil {
		t.Fatalf("second StartTrial: %v", err)
	}
	if second.Reason != domain.ReasonTrialAlreadyUsed {
		t.Errorf("expected reason %q, got %q", domain.ReasonTrialAlreadyUsed, second.Reason)
	}
	if second.TrialEndsAt == nil || !second.TrialEndsAt.Equal(*first.TrialEndsAt) {
		t.Errorf("second activation moved the window: %v vs %v", second.TrialEndsAt, first.TrialEndsAt)
	}
}

func TestStartTrial_RejectedEvenAfterWindowCloses(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestGate(clock)
	userID := uuid.New()

	if _, err := svc.StartTrial(context.Background(), userID, ""); err != nil {
		t.Fatalf("StartTrial: %v", err)
	}

	// Well past expiry. TrialUsed is sticky.
	clock.Set(clock.Now().AddDate(0, 2, 0))

	status, err := svc.StartTrial(context.Background(), userID, "")
	if err != nil {
		t.Fatalf("re-activation: %v", err)
	}
	if status.Reason != domain.ReasonTrialAlreadyUsed {
		t.Errorf("expected trial_already_used, got %q", status.Reason)
	}
	if status.State != domain.StateTrialExpired {
		t.Errorf("expected TRIAL_EXPIRED, got %s", status.State)
	}
	if status.DailyLimit != domain.DailyScanLimitFree {
		t.Errorf("expired trial should fall back to free limit, got %d", status.DailyLimit)
	}
}

func TestRefundScan_ReturnsExactlyOneAdmission(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestGate(clock)
	userID := uuid.New()

	// Consume the full free cap.
	for i := 0; i < domain.DailyScanLimitFree; i++ {
		if _, err := svc.GetAccessStatus(context.Background(), userID, "", true); err != nil {
			t.Fatalf("admit: %v", err)
		}
	}

	result, err := svc.RefundScan(context.Background(), userID, "")
	if err != nil {
		t.Fatalf("RefundScan: %v", err)
	}
	if !result.Success {
		t.Fatalf("refund failed: %s", result.Reason)
	}
	if result.ScansAfterRefund != domain.DailyScanLimitFree-1 {
		t.Errorf("scansAfterRefund=%d", result.ScansAfterRefund)
	}

	// The refunded slot is admissible again.
	status, err := svc.GetAccessStatus(context.Background(), userID, "", true)
	if err != nil {
		t.Fatalf("re-admit: %v", err)
	}
	if !status.Admitted() {
		t.Error("refunded slot was not admissible")
	}
	if status.UsedToday != domain.DailyScanLimitFree {
		t.Errorf("usedToday=%d after refund+readmit", status.UsedToday)
	}
}

func TestRefundScan_NoUsageRecord(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc, st := newTestGate(clock)
	userID := uuid.New()

	// Unknown user: no profile at all.
	result, err := svc.RefundScan(context.Background(), userID, "")
	if err != nil {
		t.Fatalf("RefundScan unknown user: %v", err)
	}
	if result.Success || result.Reason != domain.ReasonNoUsageRecord {
		t.Errorf("expected no_usage_record, got %+v", result)
	}

	// Known user, but no counter row for today.
	setProfile(t, st, userID, func(p *domain.BillingProfile) {})
	result, err = svc.RefundScan(context.Background(), userID, "")
	if err != nil {
		t.Fatalf("RefundScan no counter: %v", err)
	}
	if result.Success || result.Reason != domain.ReasonNoUsageRecord {
		t.Errorf("expected no_usage_record, got %+v", result)
	}
}

func TestRefundScan_FloorsAtZero(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestGate(clock)
	userID := uuid.New()

	if _, err := svc.GetAccessStatus(context.Background(), userID, "", true); err != nil {
		t.Fatalf("admit: %v", err)
	}

	for i := 0; i < 3; i++ {
		result, err := svc.RefundScan(context.Background(), userID, "")
		if err != nil {
			t.Fatalf("refund %d: %v", i, err)
		}
		if !result.Success {
			t.Fatalf("refund %d: %s", i, result.Reason)
		}
		if result.ScansAfterRefund < 0 {
			t.Fatalf("counter went negative: %d", result.ScansAfterRefund)
		}
	}

	status, err := svc.GetAccessStatus(context.Background(), userID, "", false)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if status.UsedToday != 0 {
		t.Errorf("usedToday=%d after over-refund", status.UsedToday)
	}
}

func TestGetAccessStatus_DayBucketsAreIndependent(t *testing.T) {
	zone := "America/New_York"
	loc := mustZone(t, zone)

	// One second before local midnight.
	clock := newTestClock(time.Date(2025, 6, 1, 23, 59, 59, 0, loc))
	svc, _ := newTestGate(clock)
	userID := uuid.New()

	for i := 0; i < domain.DailyScanLimitFree; i++ {
		status, err := svc.GetAccessStatus(context.Background(), userID, zone, true)
		if err != nil {
			t.Fatalf("admit: %v", err)
		}
		if !status.Admitted() {
			t.Fatalf("admit %d denied", i)
		}
	}

	// Two seconds later it is a new local day and a fresh bucket.
	clock.Set(time.Date(2025, 6, 2, 0, 0, 1, 0, loc))

	status, err := svc.GetAccessStatus(context.Background(), userID, zone, true)
	if err != nil {
		t.Fatalf("next-day admit: %v", err)
	}
	if !status.Admitted() {
		t.Fatal("fresh day bucket should admit")
	}
	if status.UsedToday != 1 {
		t.Errorf("new day usedToday=%d", status.UsedToday)
	}
}

func TestGetAccessStatus_ZoneIsLockedAfterFirstLearn(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestGate(clock)
	userID := uuid.New()

	status, err := svc.GetAccessStatus(context.Background(), userID, "America/New_York", false)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if status.Timezone != "America/New_York" {
		t.Fatalf("zone not learned: %s", status.Timezone)
	}

	// A different zone on a later request must not win.
	status, err = svc.GetAccessStatus(context.Background(), userID, "Asia/Tokyo", false)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if status.Timezone != "America/New_York" {
		t.Errorf("stored zone was overwritten: %s", status.Timezone)
	}
}

func TestGetAccessStatus_InvalidZoneFallsBackToUTC(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestGate(clock)
	userID := uuid.New()

	for _, bad := range []string{"Not/AZone", "Local", "  "} {
		status, err := svc.GetAccessStatus(context.Background(), userID, bad, false)
		if err != nil {
			t.Fatalf("zone %q: %v", bad, err)
		}
		if status.Timezone != domain.DefaultTimezone {
			t.Errorf("zone %q: expected UTC fallback, got %s", bad, status.Timezone)
		}
	}
}

func TestGetAccessStatus_LapsedSubscriptionMasksOpenTrial(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc, st := newTestGate(clock)
	userID := uuid.New()

	trialStart := clock.Now().AddDate(0, 0, -2)
	trialEnd := clock.Now().AddDate(0, 0, 5)
	setProfile(t, st, userID, func(p *domain.BillingProfile) {
		p.ProStatus = domain.ProStatusCanceled
		p.TrialStartedAt = &trialStart
		p.TrialExpiresAt = &trialEnd
		p.TrialUsed = true
	})

	status, err := svc.GetAccessStatus(context.Background(), userID, "", false)
	if err != nil {
		t.Fatalf("GetAccessStatus: %v", err)
	}
	if status.State != domain.StateProExpired {
		t.Errorf("expected PRO_EXPIRED to mask the trial, got %s", status.State)
	}
}

func TestGetAccessStatus_ProUser(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc, st := newTestGate(clock)
	userID := uuid.New()

	renews := clock.Now().AddDate(0, 1, 0)
	setProfile(t, st, userID, func(p *domain.BillingProfile) {
		p.ProStatus = domain.ProStatusActive
		p.ProRenewsAt = &renews
	})

	status, err := svc.GetAccessStatus(context.Background(), userID, "", false)
	if err != nil {
		t.Fatalf("GetAccessStatus: %v", err)
	}
	if status.State != domain.StateProUser {
		t.Errorf("expected PRO_USER, got %s", status.State)
	}
	if status.DailyLimit != domain.DailyScanLimitPro {
		t.Errorf("expected pro limit, got %d", status.DailyLimit)
	}
	if status.ProRenewsAt == nil || !status.ProRenewsAt.Equal(renews) {
		t.Errorf("proRenewsAt = %v", status.ProRenewsAt)
	}
}

func TestGetAccessStatus_RenewalLapseDowngrades(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc, st := newTestGate(clock)
	userID := uuid.New()

	renews := clock.Now().Add(-time.Hour)
	setProfile(t, st, userID, func(p *domain.BillingProfile) {
		p.ProStatus = domain.ProStatusActive
		p.ProRenewsAt = &renews
	})

	status, err := svc.GetAccessStatus(context.Background(), userID, "", false)
	if err != nil {
		t.Fatalf("GetAccessStatus: %v", err)
	}
	if status.State != domain.StateProExpired {
		t.Errorf("expected PRO_EXPIRED after lapse, got %s", status.State)
	}
	if status.DailyLimit != domain.DailyScanLimitFree {
		t.Errorf("lapsed sub should get free limit, got %d", status.DailyLimit)
	}
}

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load zone %s: %v", name, err)
	}
	return loc
}
