package store

import (
	"context"
	"database/sql"

	"github.com/entroline/entroline/internal/resultkind"
)

// InsertAuditLog writes an immutable audit line for a grant/revoke action,
// independent of the ManualGrant row itself (§4.6). Always called inside
// the same transaction as the grant/revoke mutation so the audit trail and
// the state change commit or roll back together.
func (s *Store) InsertAuditLog(ctx context.Context, tx *sql.Tx, a AdminAuditLog) error {
	_, err := s.exec(ctx, tx, `
		INSERT INTO admin_audit_log (id, tenant_id, user_id, action, feature_code, reason, actor, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.UserID, a.Action, a.FeatureCode, a.Reason, a.Actor, a.OccurredAt)
	if err != nil {
		return resultkind.Wrap(resultkind.Transient, err, "store: insert audit log")
	}
	return nil
}

// ListAuditLogForTenant returns audit entries for one tenant, most recent
// first; used by operator tooling built on top of this core.
func (s *Store) ListAuditLogForTenant(ctx context.Context, tenantID string) ([]AdminAuditLog, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT id, tenant_id, user_id, action, feature_code, reason, actor, occurred_at
		FROM admin_audit_log WHERE tenant_id = ? ORDER BY occurred_at DESC`, tenantID)
	if err != nil {
		return nil, resultkind.Wrap(resultkind.Transient, err, "store: list audit log")
	}
	defer rows.Close()

	var out []AdminAuditLog
	for rows.Next() {
		var a AdminAuditLog
		if err := rows.Scan(&a.ID, &a.TenantID, &a.UserID, &a.Action, &a.FeatureCode, &a.Reason, &a.Actor, &a.OccurredAt); err != nil {
			return nil, resultkind.Wrap(resultkind.Transient, err, "store: scan audit log row")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
