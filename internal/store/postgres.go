package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nicqtran/umami-server/internal/domain"
)

// Postgres implements EntitlementStore on a relational store.
//
// Per-user mutual exclusion is a row lock on billing_profiles taken inside
// a transaction; counter operations are guarded upserts that need no lock
// at all.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a Postgres-backed entitlement store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const profileColumns = `user_id, pro_status, pro_renews_at, pro_cancel_at_period_end,
	stripe_customer_id, stripe_subscription_id,
	trial_started_at, trial_expires_at, trial_used, timezone, last_status_sync,
	created_at, updated_at`

func scanProfile(row interface{ Scan(...any) error }) (*domain.BillingProfile, error) {
	var p domain.BillingProfile
	var status string
	err := row.Scan(
		&p.UserID,
		&status,
		&p.ProRenewsAt,
		&p.ProCancelAtPeriodEnd,
		&p.StripeCustomerID,
		&p.StripeSubscriptionID,
		&p.TrialStartedAt,
		&p.TrialExpiresAt,
		&p.TrialUsed,
		&p.Timezone,
		&p.LastStatusSync,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.ProStatus = domain.ProStatus(status)
	return &p, nil
}

// WithProfile opens a transaction, upserts the default profile if absent,
// locks the row with FOR UPDATE, and runs fn. The row lock is what
// serializes concurrent gate decisions for the same user.
func (s *Postgres) WithProfile(ctx context.Context, userID uuid.UUID, fn func(tx ProfileTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin profile tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO billing_profiles (user_id, pro_status, timezone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, string(domain.ProStatusExpired), domain.DefaultTimezone, now,
	)
	if err != nil {
		return fmt.Errorf("ensure profile %s: %w", userID, err)
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM billing_profiles WHERE user_id = $1 FOR UPDATE`,
		userID,
	)
	profile, err := scanProfile(row)
	if err != nil {
		return fmt.Errorf("lock profile %s: %w", userID, err)
	}

	ptx := &pgProfileTx{tx: tx, profile: profile}
	if err := fn(ptx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit profile tx: %w", err)
	}
	return nil
}

// GetProfile reads a profile without locking.
func (s *Postgres) GetProfile(ctx context.Context, userID uuid.UUID) (*domain.BillingProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM billing_profiles WHERE user_id = $1`,
		userID,
	)
	profile, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", userID, err)
	}
	return profile, nil
}

// FindByStripeCustomer resolves a user from their Stripe customer link.
func (s *Postgres) FindByStripeCustomer(ctx context.Context, customerID string) (uuid.UUID, error) {
	var userID uuid.UUID
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM billing_profiles WHERE stripe_customer_id = $1`,
		customerID,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("find by stripe customer: %w", err)
	}
	return userID, nil
}

// RefundScan atomically decrements the day's counter, never below zero.
func (s *Postgres) RefundScan(ctx context.Context, userID uuid.UUID, day domain.Day) (int, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE scan_usage
		SET scans = GREATEST(scans - 1, 0)
		WHERE user_id = $1 AND day = $2
		RETURNING scans`,
		userID, string(day),
	)
	var scans int
	err := row.Scan(&scans)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("refund scan %s/%s: %w", userID, day, err)
	}
	return scans, true, nil
}

// ListStaleProfiles returns profiles whose subscription state is overdue
// for a refresh from the billing provider. Profiles never synced sort first.
func (s *Postgres) ListStaleProfiles(ctx context.Context, syncedBefore time.Time, limit int) ([]*domain.BillingProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+profileColumns+`
		FROM billing_profiles
		WHERE pro_status IN ($1, $2, $3)
		  AND (last_status_sync IS NULL OR last_status_sync < $4)
		ORDER BY last_status_sync ASC NULLS FIRST
		LIMIT $5`,
		string(domain.ProStatusActive), string(domain.ProStatusGrace), string(domain.ProStatusCanceled),
		syncedBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*domain.BillingProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// pgProfileTx is the transactional view handed to WithProfile callbacks.
type pgProfileTx struct {
	tx      *sql.Tx
	profile *domain.BillingProfile
}

func (t *pgProfileTx) Profile() *domain.BillingProfile {
	return t.profile
}

func (t *pgProfileTx) SaveProfile(ctx context.Context) error {
	t.profile.UpdatedAt = time.Now().UTC()
	_, err := t.tx.ExecContext(ctx, `
		UPDATE billing_profiles
		SET pro_status = $2,
		    pro_renews_at = $3,
		    pro_cancel_at_period_end = $4,
		    stripe_customer_id = $5,
		    stripe_subscription_id = $6,
		    trial_started_at = $7,
		    trial_expires_at = $8,
		    trial_used = $9,
		    timezone = $10,
		    last_status_sync = $11,
		    updated_at = $12
		WHERE user_id = $1`,
		t.profile.UserID,
		string(t.profile.ProStatus),
		t.profile.ProRenewsAt,
		t.profile.ProCancelAtPeriodEnd,
		t.profile.StripeCustomerID,
		t.profile.StripeSubscriptionID,
		t.profile.TrialStartedAt,
		t.profile.TrialExpiresAt,
		t.profile.TrialUsed,
		t.profile.Timezone,
		t.profile.LastStatusSync,
		t.profile.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save profile %s: %w", t.profile.UserID, err)
	}
	return nil
}

func (t *pgProfileTx) ScansUsed(ctx context.Context, day domain.Day) (int, error) {
	var scans int
	err := t.tx.QueryRowContext(ctx,
		`SELECT scans FROM scan_usage WHERE user_id = $1 AND day = $2`,
		t.profile.UserID, string(day),
	).Scan(&scans)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scans used %s/%s: %w", t.profile.UserID, day, err)
	}
	return scans, nil
}

// AdmitScan is the enforcement point of the daily cap: the increment and its
// guard are one statement, so the counter can never move past the limit that
// applied at increment time.
func (t *pgProfileTx) AdmitScan(ctx context.Context, day domain.Day, limit int, at time.Time) (int, bool, error) {
	row := t.tx.QueryRowContext(ctx, `
		INSERT INTO scan_usage (user_id, day, scans, last_scan_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (user_id, day) DO UPDATE
		SET scans = scan_usage.scans + 1, last_scan_at = $3
		WHERE scan_usage.scans < $4
		RETURNING scans`,
		t.profile.UserID, string(day), at, limit,
	)
	var scans int
	err := row.Scan(&scans)
	if errors.Is(err, sql.ErrNoRows) {
		// Cap reached between the caller's read and this write; report the
		// current count so the caller can deny instead of erroring.
		current, rerr := t.ScansUsed(ctx, day)
		if rerr != nil {
			return 0, false, rerr
		}
		return current, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("admit scan %s/%s: %w", t.profile.UserID, day, err)
	}
	return scans, true, nil
}
