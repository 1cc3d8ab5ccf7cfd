// Package store provides persistence for billing profiles and day-bucketed
// scan usage counters, and owns the locking discipline around them.
//
// Two implementations are provided:
//   - Postgres: transactional row locks (SELECT ... FOR UPDATE) for per-user
//     mutual exclusion and guarded single-statement upserts for counters.
//   - Memory: keyed per-user mutexes, used in tests and embedded mode.
//
// The per-user lock serializes the read-derive-write sequence for one user
// without ever blocking other users. Usage counters are never locked broadly:
// increments and decrements are atomic guarded writes, which is all the
// correctness argument needs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nicqtran/umami-server/internal/domain"
)

// ErrNotFound is returned when a requested profile does not exist.
var ErrNotFound = errors.New("profile not found")

// ProfileTx is the view of the store available while a user's profile is
// held under its exclusive lock.
type ProfileTx interface {
	// Profile returns the locked profile. Mutations become visible to other
	// callers only after SaveProfile and a clean return from WithProfile.
	Profile() *domain.BillingProfile

	// SaveProfile persists the current state of Profile().
	SaveProfile(ctx context.Context) error

	// ScansUsed returns the scan count for (user, day), zero if no counter
	// row exists yet.
	ScansUsed(ctx context.Context, day domain.Day) (int, error)

	// AdmitScan increments the (user, day) counter by one only if its
	// current value is strictly below limit, creating the row at one if
	// absent. Returns the resulting count and whether the increment was
	// applied. The check and write are a single indivisible operation: two
	// concurrent admissions cannot both succeed once the counter is at the
	// cap.
	AdmitScan(ctx context.Context, day domain.Day, limit int, at time.Time) (int, bool, error)
}

// EntitlementStore is the persistence boundary of the admission gate.
type EntitlementStore interface {
	// WithProfile runs fn while holding the exclusive per-user lock on the
	// profile, creating the profile with free-tier defaults on first touch.
	// Changes made through the ProfileTx commit when fn returns nil and are
	// discarded otherwise.
	WithProfile(ctx context.Context, userID uuid.UUID, fn func(tx ProfileTx) error) error

	// GetProfile reads a profile without locking it. Returns ErrNotFound if
	// the user has never been touched.
	GetProfile(ctx context.Context, userID uuid.UUID) (*domain.BillingProfile, error)

	// RefundScan decrements the (user, day) counter by one, floored at
	// zero. ok=false means no counter row exists for that day; the caller
	// reports that as a no-op result, not an error.
	RefundScan(ctx context.Context, userID uuid.UUID, day domain.Day) (scans int, ok bool, err error)

	// FindByStripeCustomer returns the user whose profile is linked to the
	// given Stripe customer. Returns ErrNotFound if no profile is linked.
	FindByStripeCustomer(ctx context.Context, customerID string) (uuid.UUID, error)

	// ListStaleProfiles returns up to limit profiles whose subscription
	// state has not been synced since the given cutoff, for the billing
	// reconciler.
	ListStaleProfiles(ctx context.Context, syncedBefore time.Time, limit int) ([]*domain.BillingProfile, error)
}
