package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nicqtran/umami-server/internal/domain"
)

// Memory implements EntitlementStore in process memory.
//
// Per-user mutual exclusion is a keyed mutex, never a single global lock:
// calls for different users must not block each other. The short-lived map
// mutex only guards map access, not the gate's read-derive-write sequence.
type Memory struct {
	// Now is the clock used for profile creation timestamps; tests may
	// replace it.
	Now func() time.Time

	mu        sync.Mutex
	profiles  map[uuid.UUID]*domain.BillingProfile
	usage     map[usageKey]*usageEntry
	userLocks map[uuid.UUID]*sync.Mutex
}

type usageKey struct {
	userID uuid.UUID
	day    domain.Day
}

type usageEntry struct {
	scans      int
	lastScanAt time.Time
}

// NewMemory creates an empty in-memory entitlement store.
func NewMemory() *Memory {
	return &Memory{
		Now:       time.Now,
		profiles:  make(map[uuid.UUID]*domain.BillingProfile),
		usage:     make(map[usageKey]*usageEntry),
		userLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *Memory) lockFor(userID uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.userLocks[userID]
	if !ok {
		mu = &sync.Mutex{}
		s.userLocks[userID] = mu
	}
	return mu
}

func copyProfile(p *domain.BillingProfile) *domain.BillingProfile {
	cp := *p
	cp.ProRenewsAt = copyTime(p.ProRenewsAt)
	cp.TrialStartedAt = copyTime(p.TrialStartedAt)
	cp.TrialExpiresAt = copyTime(p.TrialExpiresAt)
	cp.LastStatusSync = copyTime(p.LastStatusSync)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// WithProfile serializes gate decisions for one user behind that user's
// mutex. fn works on a copy; SaveProfile publishes it.
func (s *Memory) WithProfile(ctx context.Context, userID uuid.UUID, fn func(tx ProfileTx) error) error {
	userMu := s.lockFor(userID)
	userMu.Lock()
	defer userMu.Unlock()

	s.mu.Lock()
	stored, ok := s.profiles[userID]
	if !ok {
		stored = domain.NewBillingProfile(userID, s.Now().UTC())
		s.profiles[userID] = stored
	}
	work := copyProfile(stored)
	s.mu.Unlock()

	return fn(&memProfileTx{store: s, profile: work})
}

// GetProfile reads a profile without locking.
func (s *Memory) GetProfile(ctx context.Context, userID uuid.UUID) (*domain.BillingProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyProfile(p), nil
}

// FindByStripeCustomer resolves a user from their Stripe customer link.
func (s *Memory) FindByStripeCustomer(ctx context.Context, customerID string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.profiles {
		if p.StripeCustomerID != "" && p.StripeCustomerID == customerID {
			return id, nil
		}
	}
	return uuid.Nil, ErrNotFound
}

// RefundScan decrements the day's counter, floored at zero. No counter row
// means ok=false.
func (s *Memory) RefundScan(ctx context.Context, userID uuid.UUID, day domain.Day) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.usage[usageKey{userID: userID, day: day}]
	if !ok {
		return 0, false, nil
	}
	if e.scans > 0 {
		e.scans--
	}
	return e.scans, true, nil
}

// ListStaleProfiles returns profiles overdue for a billing sync, never-synced
// first.
func (s *Memory) ListStaleProfiles(ctx context.Context, syncedBefore time.Time, limit int) ([]*domain.BillingProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*domain.BillingProfile
	for _, p := range s.profiles {
		switch p.ProStatus {
		case domain.ProStatusActive, domain.ProStatusGrace, domain.ProStatusCanceled:
		default:
			continue
		}
		if p.LastStatusSync == nil || p.LastStatusSync.Before(syncedBefore) {
			stale = append(stale, copyProfile(p))
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		a, b := stale[i].LastStatusSync, stale[j].LastStatusSync
		if a == nil {
			return b != nil
		}
		if b == nil {
			return false
		}
		return a.Before(*b)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

type memProfileTx struct {
	store   *Memory
	profile *domain.BillingProfile
}

func (t *memProfileTx) Profile() *domain.BillingProfile {
	return t.profile
}

func (t *memProfileTx) SaveProfile(ctx context.Context) error {
	t.profile.UpdatedAt = t.store.Now().UTC()
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.profiles[t.profile.UserID] = copyProfile(t.profile)
	return nil
}

func (t *memProfileTx) ScansUsed(ctx context.Context, day domain.Day) (int, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	e, ok := t.store.usage[usageKey{userID: t.profile.UserID, day: day}]
	if !ok {
		return 0, nil
	}
	return e.scans, nil
}

// AdmitScan checks the cap and increments under one critical section, so a
// concurrent refund (which takes the same map mutex) can never interleave
// between the check and the write.
func (t *memProfileTx) AdmitScan(ctx context.Context, day domain.Day, limit int, at time.Time) (int, bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	key := usageKey{userID: t.profile.UserID, day: day}
	e, ok := t.store.usage[key]
	if !ok {
		if limit < 1 {
			return 0, false, nil
		}
		t.store.usage[key] = &usageEntry{scans: 1, lastScanAt: at}
		return 1, true, nil
	}
	if e.scans >= limit {
		return e.scans, false, nil
	}
	e.scans++
	e.lastScanAt = at
	return e.scans, true, nil
}
