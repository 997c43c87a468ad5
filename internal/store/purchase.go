package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/entroline/entroline/internal/resultkind"
)

const purchaseColumns = `id, tenant_id, user_id, price_id, provider_charge_id, amount, currency, status,
	refunded_at, valid_from, valid_to, updated_at, created_at`

func scanPurchase(row *sql.Row) (Purchase, error) {
	var p Purchase
	var status string
	err := row.Scan(&p.ID, &p.TenantID, &p.UserID, &p.PriceID, &p.ProviderChargeID, &p.Amount, &p.Currency, &status,
		&p.RefundedAt, &p.ValidFrom, &p.ValidTo, &p.UpdatedAt, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Purchase{}, resultkind.New(resultkind.NotFound, "purchase not found")
	}
	if err != nil {
		return Purchase{}, resultkind.Wrap(resultkind.Transient, err, "store: scan purchase")
	}
	p.Status = PurchaseStatus(status)
	return p, nil
}

// GetPurchaseByChargeIDForUpdate locates a purchase for mutation within an
// open transaction, taking the row lock named in §5.
func (s *Store) GetPurchaseByChargeIDForUpdate(ctx context.Context, tx *sql.Tx, providerChargeID string) (Purchase, error) {
	row := s.queryRow(ctx, tx, `
		SELECT `+purchaseColumns+`
		FROM purchases WHERE provider_charge_id = ?`+s.forUpdateClause(), providerChargeID)
	return scanPurchase(row)
}

// InsertPurchase inserts a brand-new purchase row inside tx.
func (s *Store) InsertPurchase(ctx context.Context, tx *sql.Tx, p Purchase) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	_, err := s.exec(ctx, tx, `
		INSERT INTO purchases (`+purchaseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.UserID, p.PriceID, p.ProviderChargeID, p.Amount, p.Currency, string(p.Status),
		p.RefundedAt, p.ValidFrom, p.ValidTo, now, p.CreatedAt)
	if isUniqueViolation(s.driver, err) {
		return resultkind.Wrapf(resultkind.Conflict, err, "purchase %q already exists", p.ProviderChargeID)
	}
	if err != nil {
		return resultkind.Wrap(resultkind.Transient, err, "store: insert purchase")
	}
	return nil
}

// UpdatePurchase overwrites the mutable fields of an existing purchase row
// inside tx.
func (s *Store) UpdatePurchase(ctx context.Context, tx *sql.Tx, p Purchase) error {
	_, err := s.exec(ctx, tx, `
		UPDATE purchases SET status = ?, refunded_at = ?, updated_at = ?
		WHERE id = ?`,
		string(p.Status), p.RefundedAt, time.Now().UTC(), p.ID)
	if err != nil {
		return resultkind.Wrap(resultkind.Transient, err, "store: update purchase")
	}
	return nil
}

// ListPurchasesForUser loads every purchase for (tenant, user) for the
// entitlement engine to filter by status/window. Pass a non-nil tx to read
// inside an open transaction; pass nil to read standalone against the pool.
func (s *Store) ListPurchasesForUser(ctx context.Context, tx *sql.Tx, tenantID, userID string) ([]Purchase, error) {
	rows, err := s.query(ctx, s.q(tx), `
		SELECT `+purchaseColumns+`
		FROM purchases WHERE tenant_id = ? AND user_id = ?`, tenantID, userID)
	if err != nil {
		return nil, resultkind.Wrap(resultkind.Transient, err, "store: list purchases")
	}
	defer rows.Close()
	return scanPurchaseRows(rows)
}

// ListPurchasesModifiedSince supports the reconciler's local-side comparison
// pass, mirroring ListSubscriptionsModifiedSince.
func (s *Store) ListPurchasesModifiedSince(ctx context.Context, tenantID string, since time.Time) ([]Purchase, error) {
	rows, err := s.query(ctx, s.q(nil), `
		SELECT `+purchaseColumns+`
		FROM purchases WHERE tenant_id = ? AND updated_at >= ?`, tenantID, since)
	if err != nil {
		return nil, resultkind.Wrap(resultkind.Transient, err, "store: list purchases since")
	}
	defer rows.Close()
	return scanPurchaseRows(rows)
}

func scanPurchaseRows(rows *sql.Rows) ([]Purchase, error) {
	var out []Purchase
	for rows.Next() {
		var p Purchase
		var status string
		if err := rows.Scan(&p.ID, &p.TenantID, &p.UserID, &p.PriceID, &p.ProviderChargeID, &p.Amount, &p.Currency, &status,
			&p.RefundedAt, &p.ValidFrom, &p.ValidTo, &p.UpdatedAt, &p.CreatedAt); err != nil {
			return nil, resultkind.Wrap(resultkind.Transient, err, "store: scan purchase row")
		}
		p.Status = PurchaseStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}
