package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/entroline/entroline/internal/resultkind"
)

const grantColumns = `id, tenant_id, user_id, feature_code, valid_from, valid_to, reason,
	granted_by, granted_at, revoked_at, revoked_by, revoke_reason`

func scanGrant(row *sql.Row) (ManualGrant, error) {
	var g ManualGrant
	var revokedBy, revokeReason sql.NullString
	err := row.Scan(&g.ID, &g.TenantID, &g.UserID, &g.FeatureCode, &g.ValidFrom, &g.ValidTo, &g.Reason,
		&g.GrantedBy, &g.GrantedAt, &g.RevokedAt, &revokedBy, &revokeReason)
	if errors.Is(err, sql.ErrNoRows) {
		return ManualGrant{}, resultkind.New(resultkind.NotFound, "manual grant not found")
	}
	if err != nil {
		return ManualGrant{}, resultkind.Wrap(resultkind.Transient, err, "store: scan manual grant")
	}
	g.RevokedBy = revokedBy.String
	g.RevokeReason = revokeReason.String
	return g, nil
}

// InsertManualGrant appends a new grant row. Grants are append-only; there
// is no update path other than revocation.
func (s *Store) InsertManualGrant(ctx context.Context, tx *sql.Tx, g ManualGrant) error {
	if g.GrantedAt.IsZero() {
		g.GrantedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, tx, `
		INSERT INTO manual_grants (`+grantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.TenantID, g.UserID, g.FeatureCode, g.ValidFrom, g.ValidTo, g.Reason,
		g.GrantedBy, g.GrantedAt, g.RevokedAt, nullString(g.RevokedBy), nullString(g.RevokeReason))
	if err != nil {
		return resultkind.Wrap(resultkind.Transient, err, "store: insert manual grant")
	}
	return nil
}

// GetLatestActiveGrantForUpdate locates the most recent non-revoked grant
// matching (tenant, user, feature_code), for the revoke operation (§4.6).
func (s *Store) GetLatestActiveGrantForUpdate(ctx context.Context, tx *sql.Tx, tenantID, userID, featureCode string) (ManualGrant, error) {
	row := s.queryRow(ctx, tx, `
		SELECT `+grantColumns+`
		FROM manual_grants
		WHERE tenant_id = ? AND user_id = ? AND feature_code = ? AND revoked_at IS NULL
		ORDER BY granted_at DESC
		LIMIT 1`+s.forUpdateClause(), tenantID, userID, featureCode)
	return scanGrant(row)
}

// RevokeManualGrant marks a grant permanently revoked inside tx.
func (s *Store) RevokeManualGrant(ctx context.Context, tx *sql.Tx, id, revokedBy, revokeReason string, revokedAt time.Time) error {
	_, err := s.exec(ctx, tx, `
		UPDATE manual_grants SET revoked_at = ?, revoked_by = ?, revoke_reason = ?
		WHERE id = ?`, revokedAt, revokedBy, revokeReason, id)
	if err != nil {
		return resultkind.Wrap(resultkind.Transient, err, "store: revoke manual grant")
	}
	return nil
}

// ListActiveGrantsForUser loads every non-revoked grant for (tenant, user)
// for the entitlement engine to filter by window. Pass a non-nil tx to read
// inside an open transaction; pass nil to read standalone against the pool.
func (s *Store) ListActiveGrantsForUser(ctx context.Context, tx *sql.Tx, tenantID, userID string) ([]ManualGrant, error) {
	rows, err := s.query(ctx, s.q(tx), `
		SELECT `+grantColumns+`
		FROM manual_grants WHERE tenant_id = ? AND user_id = ? AND revoked_at IS NULL`, tenantID, userID)
	if err != nil {
		return nil, resultkind.Wrap(resultkind.Transient, err, "store: list manual grants")
	}
	defer rows.Close()

	var out []ManualGrant
	for rows.Next() {
		var g ManualGrant
		var revokedBy, revokeReason sql.NullString
		if err := rows.Scan(&g.ID, &g.TenantID, &g.UserID, &g.FeatureCode, &g.ValidFrom, &g.ValidTo, &g.Reason,
			&g.GrantedBy, &g.GrantedAt, &g.RevokedAt, &revokedBy, &revokeReason); err != nil {
			return nil, resultkind.Wrap(resultkind.Transient, err, "store: scan manual grant row")
		}
		g.RevokedBy = revokedBy.String
		g.RevokeReason = revokeReason.String
		out = append(out, g)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
