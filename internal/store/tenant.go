package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/entroline/entroline/internal/resultkind"
)

// CreateTenant inserts a new tenant row. TenantID and CredentialHash must
// already be populated by the caller.
func (s *Store) CreateTenant(ctx context.Context, t Tenant) error {
	now := t.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	_, err := s.exec(ctx, s.db, `
		INSERT INTO tenants (tenant_id, active, credential_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.TenantID, t.Active, t.CredentialHash, now, now)
	if isUniqueViolation(s.driver, err) {
		return resultkind.Wrapf(resultkind.Conflict, err, "tenant %q already exists", t.TenantID)
	}
	if err != nil {
		return resultkind.Wrap(resultkind.Transient, err, "store: create tenant")
	}
	return nil
}

// GetTenant loads one tenant by id.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (Tenant, error) {
	row := s.queryRow(ctx, s.db, `
		SELECT tenant_id, active, credential_hash, created_at, updated_at
		FROM tenants WHERE tenant_id = ?`, tenantID)
	return scanTenant(row)
}

// GetTenantByCredentialHash looks up the tenant owning a hashed credential.
// Callers are responsible for computing the hash and comparing it
// timing-safely before trusting the match (see internal/tenancy).
func (s *Store) GetTenantByCredentialHash(ctx context.Context, hash string) (Tenant, error) {
	row := s.queryRow(ctx, s.db, `
		SELECT tenant_id, active, credential_hash, created_at, updated_at
		FROM tenants WHERE credential_hash = ?`, hash)
	return scanTenant(row)
}

// ListActiveTenants loads every active tenant, for the reconciler to loop
// over (§4.5 runs "for each tenant").
func (s *Store) ListActiveTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT tenant_id, active, credential_hash, created_at, updated_at
		FROM tenants WHERE active = ?`, true)
	if err != nil {
		return nil, resultkind.Wrap(resultkind.Transient, err, "store: list active tenants")
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.TenantID, &t.Active, &t.CredentialHash, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, resultkind.Wrap(resultkind.Transient, err, "store: scan tenant row")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTenant(row *sql.Row) (Tenant, error) {
	var t Tenant
	err := row.Scan(&t.TenantID, &t.Active, &t.CredentialHash, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, resultkind.New(resultkind.NotFound, "tenant not found")
	}
	if err != nil {
		return Tenant{}, resultkind.Wrap(resultkind.Transient, err, "store: scan tenant")
	}
	return t, nil
}
