package billing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nicqtran/umami-server/internal/metrics"
	"github.com/nicqtran/umami-server/internal/store"
)

// SyncConfig holds the configuration for the billing reconciler.
type SyncConfig struct {
	// Interval is how often the reconciler scans for stale profiles.
	// Default: 15 minutes
	Interval time.Duration

	// StaleAfter is how old a profile's last sync must be before it is
	// refreshed from Stripe. Default: 6 hours
	StaleAfter time.Duration

	// BatchSize is the maximum number of profiles refreshed per scan.
	// Default: 50
	BatchSize int
}

// DefaultSyncConfig returns a SyncConfig with sensible default values.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Interval:   15 * time.Minute,
		StaleAfter: 6 * time.Hour,
		BatchSize:  50,
	}
}

// Reconciler periodically refreshes billing profiles from Stripe.
//
// Webhooks are the primary sync path; the reconciler is the backstop for
// events that were missed or delivered while the server was down. Profiles
// whose subscription state has not been confirmed within StaleAfter are
// re-fetched from the Stripe API.
type Reconciler struct {
	store   store.EntitlementStore
	billing Service
	config  SyncConfig
	logger  *slog.Logger

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewReconciler creates a new billing reconciler.
// It must be started with Start() and stopped with Stop().
func NewReconciler(st store.EntitlementStore, billing Service, config SyncConfig, logger *slog.Logger) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = DefaultSyncConfig().Interval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultSyncConfig().StaleAfter
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultSyncConfig().BatchSize
	}

	return &Reconciler{
		store:   st,
		billing: billing,
		config:  config,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the periodic reconcile loop.
func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)

	r.logger.Info("Billing reconciler started",
		"interval", r.config.Interval,
		"stale_after", r.config.StaleAfter,
	)
}

// Stop signals the reconciler to stop and waits for the current pass to
// finish.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("Billing reconciler stopped")
}

func (r *Reconciler) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcile(ctx)
		}
	}
}

// reconcile refreshes one batch of stale profiles.
func (r *Reconciler) reconcile(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.config.StaleAfter)

	profiles, err := r.store.ListStaleProfiles(ctx, cutoff, r.config.BatchSize)
	if err != nil {
		r.logger.Error("Failed to list stale billing profiles", "error", err)
		return
	}
	if len(profiles) == 0 {
		return
	}

	r.logger.Debug("Refreshing stale billing profiles", "count", len(profiles))

	for _, p := range profiles {
		select {
		case <-r.stopCh:
			return
		default:
		}

		if err := r.SyncProfile(ctx, p.UserID, p.StripeSubscriptionID); err != nil {
			r.logger.Error("Failed to sync billing profile",
				"error", err, "user_id", p.UserID)
		}
	}
}

// SyncProfile refreshes one user's profile from their Stripe subscription.
// A profile with no linked subscription only gets its sync timestamp
// touched, so it stops showing up as stale.
func (r *Reconciler) SyncProfile(ctx context.Context, userID uuid.UUID, subscriptionID string) error {
	now := time.Now().UTC()

	if subscriptionID == "" {
		return r.store.WithProfile(ctx, userID, func(tx store.ProfileTx) error {
			tx.Profile().LastStatusSync = &now
			return tx.SaveProfile(ctx)
		})
	}

	sub, err := r.billing.GetSubscription(subscriptionID)
	if err != nil {
		metrics.ProfileSyncsTotal.WithLabelValues("error").Inc()
		return err
	}

	err = r.store.WithProfile(ctx, userID, func(tx store.ProfileTx) error {
		ApplySubscription(tx.Profile(), sub, now)
		return tx.SaveProfile(ctx)
	})
	if err != nil {
		metrics.ProfileSyncsTotal.WithLabelValues("error").Inc()
		return err
	}

	metrics.ProfileSyncsTotal.WithLabelValues("synced").Inc()
	return nil
}
