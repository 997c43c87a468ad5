package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/entroline/entroline/internal/resultkind"
)

// forUpdateClause appends a row-lock clause on drivers that support one.
// sqlite3 has no row-level locking (and tests run single-threaded), so the
// clause is a no-op there; postgres takes the lock named in §5.
func (s *Store) forUpdateClause() string {
	if s.driver == "postgres" {
		return " FOR UPDATE"
	}
	return ""
}

const subscriptionColumns = `id, tenant_id, user_id, price_id, provider_subscription_id, status,
	current_period_start, current_period_end, cancel_at_period_end, canceled_at, updated_at, created_at`

func scanSubscription(row *sql.Row) (Subscription, error) {
	var sub Subscription
	var status string
	err := row.Scan(&sub.ID, &sub.TenantID, &sub.UserID, &sub.PriceID, &sub.ProviderSubscriptionID, &status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd, &sub.CanceledAt,
		&sub.UpdatedAt, &sub.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, resultkind.New(resultkind.NotFound, "subscription not found")
	}
	if err != nil {
		return Subscription{}, resultkind.Wrap(resultkind.Transient, err, "store: scan subscription")
	}
	sub.Status = SubscriptionStatus(status)
	return sub, nil
}

// GetSubscriptionByProviderIDForUpdate locates a subscription for mutation
// within an open transaction, taking the row lock named in §5. Returns a
// NotFound resultkind.Error if absent — callers insert in that case.
func (s *Store) GetSubscriptionByProviderIDForUpdate(ctx context.Context, tx *sql.Tx, providerSubscriptionID string) (Subscription, error) {
	row := s.queryRow(ctx, tx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE provider_subscription_id = ?`+s.forUpdateClause(), providerSubscriptionID)
	return scanSubscription(row)
}

// InsertSubscription inserts a brand-new subscription row inside tx.
func (s *Store) InsertSubscription(ctx context.Context, tx *sql.Tx, sub Subscription) error {
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	_, err := s.exec(ctx, tx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.TenantID, sub.UserID, sub.PriceID, sub.ProviderSubscriptionID, string(sub.Status),
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.CanceledAt, now, sub.CreatedAt)
	if isUniqueViolation(s.driver, err) {
		return resultkind.Wrapf(resultkind.Conflict, err, "subscription %q already exists", sub.ProviderSubscriptionID)
	}
	if err != nil {
		return resultkind.Wrap(resultkind.Transient, err, "store: insert subscription")
	}
	return nil
}

// UpdateSubscription overwrites the mutable fields of an existing
// subscription row, identified by its internal id, inside tx.
func (s *Store) UpdateSubscription(ctx context.Context, tx *sql.Tx, sub Subscription) error {
	_, err := s.exec(ctx, tx, `
		UPDATE subscriptions SET
			status = ?, current_period_start = ?, current_period_end = ?,
			cancel_at_period_end = ?, canceled_at = ?, updated_at = ?
		WHERE id = ?`,
		string(sub.Status), sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, sub.CanceledAt, time.Now().UTC(), sub.ID)
	if err != nil {
		return resultkind.Wrap(resultkind.Transient, err, "store: update subscription")
	}
	return nil
}

// ListActiveSubscriptionsForUser loads every subscription for (tenant, user)
// for the entitlement engine to filter by status/window. Pass a non-nil tx
// to read inside an open transaction (so the read sees that transaction's
// own uncommitted writes); pass nil to read standalone against the pool.
func (s *Store) ListActiveSubscriptionsForUser(ctx context.Context, tx *sql.Tx, tenantID, userID string) ([]Subscription, error) {
	rows, err := s.query(ctx, s.q(tx), `
		SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE tenant_id = ? AND user_id = ?`, tenantID, userID)
	if err != nil {
		return nil, resultkind.Wrap(resultkind.Transient, err, "store: list subscriptions")
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var sub Subscription
		var status string
		if err := rows.Scan(&sub.ID, &sub.TenantID, &sub.UserID, &sub.PriceID, &sub.ProviderSubscriptionID, &status,
			&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd, &sub.CanceledAt,
			&sub.UpdatedAt, &sub.CreatedAt); err != nil {
			return nil, resultkind.Wrap(resultkind.Transient, err, "store: scan subscription row")
		}
		sub.Status = SubscriptionStatus(status)
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ListSubscriptionsModifiedSince supports the reconciler's local-side
// comparison pass; "modified" here means updated_at is within lookback,
// which approximates the provider's own modified-since filter for the local
// half of the drift comparison.
func (s *Store) ListSubscriptionsModifiedSince(ctx context.Context, tenantID string, since time.Time) ([]Subscription, error) {
	rows, err := s.query(ctx, s.q(nil), `
		SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE tenant_id = ? AND updated_at >= ?`, tenantID, since)
	if err != nil {
		return nil, resultkind.Wrap(resultkind.Transient, err, "store: list subscriptions since")
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var sub Subscription
		var status string
		if err := rows.Scan(&sub.ID, &sub.TenantID, &sub.UserID, &sub.PriceID, &sub.ProviderSubscriptionID, &status,
			&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd, &sub.CanceledAt,
			&sub.UpdatedAt, &sub.CreatedAt); err != nil {
			return nil, resultkind.Wrap(resultkind.Transient, err, "store: scan subscription row")
		}
		sub.Status = SubscriptionStatus(status)
		out = append(out, sub)
	}
	return out, rows.Err()
}
