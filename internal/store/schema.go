package store

import "context"

// ddlStatements creates every table in §3 of the data model by hand,
// reworking the field/index conventions of volaticloud's internal/ent/schema
// (UUID-ish string primary keys, owner-scoped indexes, created_at/updated_at
// pairs) into plain SQL instead of ent's codegen. Types are kept
// driver-portable (TEXT/INTEGER/TIMESTAMP) so the same statements create the
// schema under both postgres and sqlite3.
var ddlStatements = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		tenant_id       TEXT PRIMARY KEY,
		active          BOOLEAN NOT NULL DEFAULT TRUE,
		credential_hash TEXT NOT NULL UNIQUE,
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		product_id   TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		name         TEXT NOT NULL,
		feature_codes TEXT NOT NULL,
		archived     BOOLEAN NOT NULL DEFAULT FALSE,
		default_validity_days INTEGER NOT NULL DEFAULT 0,
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_products_tenant ON products (tenant_id)`,
	`CREATE TABLE IF NOT EXISTS prices (
		price_id          TEXT PRIMARY KEY,
		tenant_id         TEXT NOT NULL,
		product_id        TEXT NOT NULL,
		provider_price_id TEXT NOT NULL UNIQUE,
		amount            INTEGER NOT NULL,
		currency          TEXT NOT NULL,
		cadence           TEXT NOT NULL,
		created_at        TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_prices_tenant ON prices (tenant_id)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id                       TEXT PRIMARY KEY,
		tenant_id                TEXT NOT NULL,
		user_id                  TEXT NOT NULL,
		price_id                 TEXT NOT NULL,
		provider_subscription_id TEXT NOT NULL UNIQUE,
		status                   TEXT NOT NULL,
		current_period_start     TIMESTAMP NOT NULL,
		current_period_end       TIMESTAMP NOT NULL,
		cancel_at_period_end     BOOLEAN NOT NULL DEFAULT FALSE,
		canceled_at              TIMESTAMP,
		updated_at               TIMESTAMP NOT NULL,
		created_at               TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_tenant_user ON subscriptions (tenant_id, user_id)`,
	`CREATE TABLE IF NOT EXISTS purchases (
		id                 TEXT PRIMARY KEY,
		tenant_id          TEXT NOT NULL,
		user_id            TEXT NOT NULL,
		price_id           TEXT NOT NULL,
		provider_charge_id TEXT NOT NULL UNIQUE,
		amount             INTEGER NOT NULL,
		currency           TEXT NOT NULL,
		status             TEXT NOT NULL,
		refunded_at        TIMESTAMP,
		valid_from         TIMESTAMP NOT NULL,
		valid_to           TIMESTAMP,
		updated_at         TIMESTAMP NOT NULL,
		created_at         TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_purchases_tenant_user ON purchases (tenant_id, user_id)`,
	`CREATE TABLE IF NOT EXISTS manual_grants (
		id            TEXT PRIMARY KEY,
		tenant_id     TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		feature_code  TEXT NOT NULL,
		valid_from    TIMESTAMP NOT NULL,
		valid_to      TIMESTAMP,
		reason        TEXT NOT NULL,
		granted_by    TEXT NOT NULL,
		granted_at    TIMESTAMP NOT NULL,
		revoked_at    TIMESTAMP,
		revoked_by    TEXT,
		revoke_reason TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_grants_tenant_user ON manual_grants (tenant_id, user_id)`,
	`CREATE TABLE IF NOT EXISTS entitlements (
		id           TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		feature_code TEXT NOT NULL,
		is_active    BOOLEAN NOT NULL,
		valid_from   TIMESTAMP NOT NULL,
		valid_to     TIMESTAMP,
		source       TEXT NOT NULL,
		source_ref   TEXT NOT NULL,
		computed_at  TIMESTAMP NOT NULL,
		UNIQUE (tenant_id, user_id, feature_code, source, source_ref)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entitlements_tenant_user ON entitlements (tenant_id, user_id)`,
	`CREATE TABLE IF NOT EXISTS raw_events (
		provider_event_id  TEXT PRIMARY KEY,
		event_type         TEXT NOT NULL,
		payload            TEXT NOT NULL,
		received_at        TIMESTAMP NOT NULL,
		processed_at       TIMESTAMP,
		processing_outcome TEXT NOT NULL,
		attempt_count      INTEGER NOT NULL DEFAULT 0,
		failure_detail     TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS admin_audit_log (
		id          TEXT PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		action      TEXT NOT NULL,
		feature_code TEXT NOT NULL,
		reason      TEXT NOT NULL,
		actor       TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_tenant ON admin_audit_log (tenant_id)`,
}

// CreateSchema creates every table the store needs if it does not already
// exist. Called once at startup (and by test harnesses against an in-memory
// sqlite database); there is no separate migration tool in this module's
// scope (spec.md §1 names database migrations as an external collaborator).
func (s *Store) CreateSchema(ctx context.Context) error {
	for _, stmt := range ddlStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
