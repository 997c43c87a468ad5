package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/entroline/entroline/internal/resultkind"
)

func encodeFeatureCodes(codes []string) string { return strings.Join(codes, ",") }

func decodeFeatureCodes(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// CreateProduct inserts a new product.
func (s *Store) CreateProduct(ctx context.Context, p Product) error {
	now := time.Now().UTC()
	_, err := s.exec(ctx, s.db, `
		INSERT INTO products (product_id, tenant_id, name, feature_codes, archived, default_validity_days, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ProductID, p.TenantID, p.Name, encodeFeatureCodes(p.FeatureCodes), p.Archived, p.DefaultValidityDays, now, now)
	if isUniqueViolation(s.driver, err) {
		return resultkind.Wrapf(resultkind.Conflict, err, "product %q already exists", p.ProductID)
	}
	if err != nil {
		return resultkind.Wrap(resultkind.Transient, err, "store: create product")
	}
	return nil
}

// GetProduct loads one product, scoped to tenant. Pass a non-nil tx to read
// inside an open transaction; pass nil to read standalone against the pool.
func (s *Store) GetProduct(ctx context.Context, tx *sql.Tx, tenantID, productID string) (Product, error) {
	row := s.queryRow(ctx, s.q(tx), `
		SELECT product_id, tenant_id, name, feature_codes, archived, default_validity_days, created_at, updated_at
		FROM products WHERE tenant_id = ? AND product_id = ?`, tenantID, productID)
	return scanProduct(row)
}

func scanProduct(row *sql.Row) (Product, error) {
	var p Product
	var codes string
	err := row.Scan(&p.ProductID, &p.TenantID, &p.Name, &codes, &p.Archived, &p.DefaultValidityDays, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, resultkind.New(resultkind.NotFound, "product not found")
	}
	if err != nil {
		return Product{}, resultkind.Wrap(resultkind.Transient, err, "store: scan product")
	}
	p.FeatureCodes = decodeFeatureCodes(codes)
	return p, nil
}

// CreatePrice inserts a new, immutable price.
func (s *Store) CreatePrice(ctx context.Context, p Price) error {
	now := time.Now().UTC()
	_, err := s.exec(ctx, s.db, `
		INSERT INTO prices (price_id, tenant_id, product_id, provider_price_id, amount, currency, cadence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PriceID, p.TenantID, p.ProductID, p.ProviderPriceID, p.Amount, p.Currency, string(p.Cadence), now)
	if isUniqueViolation(s.driver, err) {
		return resultkind.Wrapf(resultkind.Conflict, err, "price with provider id %q already exists", p.ProviderPriceID)
	}
	if err != nil {
		return resultkind.Wrap(resultkind.Transient, err, "store: create price")
	}
	return nil
}

// GetPrice loads a price and its owning product by internal price id. Pass
// a non-nil tx to read inside an open transaction; pass nil to read
// standalone against the pool.
func (s *Store) GetPrice(ctx context.Context, tx *sql.Tx, tenantID, priceID string) (Price, error) {
	row := s.queryRow(ctx, s.q(tx), `
		SELECT price_id, tenant_id, product_id, provider_price_id, amount, currency, cadence, created_at
		FROM prices WHERE tenant_id = ? AND price_id = ?`, tenantID, priceID)
	return scanPrice(row)
}

// GetPriceByProviderID resolves the internal price row for a given
// provider-side price id, letting processors translate an inbound event's
// price reference into the price_id foreign key our Subscription/Purchase
// rows carry. Pass a non-nil tx to read inside an open transaction.
func (s *Store) GetPriceByProviderID(ctx context.Context, tx *sql.Tx, tenantID, providerPriceID string) (Price, error) {
	row := s.queryRow(ctx, s.q(tx), `
		SELECT price_id, tenant_id, product_id, provider_price_id, amount, currency, cadence, created_at
		FROM prices WHERE tenant_id = ? AND provider_price_id = ?`, tenantID, providerPriceID)
	return scanPrice(row)
}

func scanPrice(row *sql.Row) (Price, error) {
	var p Price
	var cadence string
	err := row.Scan(&p.PriceID, &p.TenantID, &p.ProductID, &p.ProviderPriceID, &p.Amount, &p.Currency, &cadence, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Price{}, resultkind.New(resultkind.NotFound, "price not found")
	}
	if err != nil {
		return Price{}, resultkind.Wrap(resultkind.Transient, err, "store: scan price")
	}
	p.Cadence = PriceCadence(cadence)
	return p, nil
}
