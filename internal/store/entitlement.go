package store

import (
	"context"
	"database/sql"

	"github.com/entroline/entroline/internal/resultkind"
)

// ReplaceEntitlementsForUser deletes every materialized entitlement row for
// (tenant, user) and inserts rows, inside tx, implementing §4.3's
// replace-in-place materialization strategy. Callers (internal/entitlement)
// are responsible for holding the (tenant, user) exclusion described in §5
// for the duration of tx so two concurrent recomputations cannot interleave.
func (s *Store) ReplaceEntitlementsForUser(ctx context.Context, tx *sql.Tx, tenantID, userID string, rows []Entitlement) error {
	if _, err := s.exec(ctx, tx, `DELETE FROM entitlements WHERE tenant_id = ? AND user_id = ?`, tenantID, userID); err != nil {
		return resultkind.Wrap(resultkind.Transient, err, "store: delete entitlements")
	}
	for _, e := range rows {
		_, err := s.exec(ctx, tx, `
			INSERT INTO entitlements (id, tenant_id, user_id, feature_code, is_active, valid_from, valid_to, source, source_ref, computed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.TenantID, e.UserID, e.FeatureCode, e.IsActive, e.ValidFrom, e.ValidTo, string(e.Source), e.SourceRef, e.ComputedAt)
		if err != nil {
			return resultkind.Wrap(resultkind.Transient, err, "store: insert entitlement")
		}
	}
	return nil
}

// ListEntitlementsForUser loads the materialized rows for (tenant, user),
// including every contributing source row, matching §4.3's "keep every
// contributing row in storage" requirement.
func (s *Store) ListEntitlementsForUser(ctx context.Context, tenantID, userID string) ([]Entitlement, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT id, tenant_id, user_id, feature_code, is_active, valid_from, valid_to, source, source_ref, computed_at
		FROM entitlements WHERE tenant_id = ? AND user_id = ?`, tenantID, userID)
	if err != nil {
		return nil, resultkind.Wrap(resultkind.Transient, err, "store: list entitlements")
	}
	defer rows.Close()

	var out []Entitlement
	for rows.Next() {
		var e Entitlement
		var source string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.UserID, &e.FeatureCode, &e.IsActive, &e.ValidFrom, &e.ValidTo,
			&source, &e.SourceRef, &e.ComputedAt); err != nil {
			return nil, resultkind.Wrap(resultkind.Transient, err, "store: scan entitlement row")
		}
		e.Source = EntitlementSource(source)
		out = append(out, e)
	}
	return out, rows.Err()
}
