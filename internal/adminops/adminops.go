// Package adminops implements the two Admin Overrides (§4.6): Grant
// inserts a ManualGrant row, Revoke marks the latest active one revoked.
// Both trigger the same recompute+evict path the event processors use and
// both write an immutable audit line independently of the grant row.
//
// Grounded on volaticloud's internal/billing/manage.go
// (ChangeSubscriptionPlan/CancelSubscriptionAtEnd): locate the relevant
// row, call through to the mutation, log the administrative action,
// return the result.
package adminops

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/entroline/entroline/internal/cache"
	"github.com/entroline/entroline/internal/entitlement"
	"github.com/entroline/entroline/internal/resultkind"
	"github.com/entroline/entroline/internal/store"
)

// Ops bundles the collaborators a grant/revoke needs.
type Ops struct {
	store      *store.Store
	cache      *cache.Coordinator
	recomputer *entitlement.Recomputer
}

// New builds an Ops.
func New(st *store.Store, c *cache.Coordinator, recomputer *entitlement.Recomputer) *Ops {
	return &Ops{store: st, cache: c, recomputer: recomputer}
}

// GrantRequest is the input to Grant. Reason must be non-empty (§4.6).
type GrantRequest struct {
	TenantID    string
	UserID      string
	FeatureCode string
	ValidFrom   time.Time
	ValidTo     *time.Time
	Reason      string
	Actor       string
}

// RevokeRequest is the input to Revoke.
type RevokeRequest struct {
	TenantID     string
	UserID       string
	FeatureCode  string
	RevokeReason string
	Actor        string
}

// Grant inserts a ManualGrant, writes its audit line, recomputes and
// evicts the cache for (tenant, user), and returns the resulting
// aggregated view (§4.6). Granting a feature the user already has active
// via an existing manual grant is not rejected: it appends a fresh grant
// row, which is harmless and keeps the audit trail honest about every
// grant action taken, even a redundant one.
func (o *Ops) Grant(ctx context.Context, req GrantRequest, now time.Time) ([]entitlement.View, error) {
	if req.Reason == "" {
		return nil, resultkind.New(resultkind.Validation, "grant reason must not be empty")
	}
	if req.ValidFrom.IsZero() {
		req.ValidFrom = now
	}

	var rows []store.Entitlement
	err := o.store.WithTx(ctx, func(tx *sql.Tx) error {
		grant := store.ManualGrant{
			ID:          uuid.NewString(),
			TenantID:    req.TenantID,
			UserID:      req.UserID,
			FeatureCode: req.FeatureCode,
			ValidFrom:   req.ValidFrom,
			ValidTo:     req.ValidTo,
			Reason:      req.Reason,
			GrantedBy:   req.Actor,
			GrantedAt:   now,
		}
		if err := o.store.InsertManualGrant(ctx, tx, grant); err != nil {
			return err
		}
		if err := o.store.InsertAuditLog(ctx, tx, store.AdminAuditLog{
			ID:          uuid.NewString(),
			TenantID:    req.TenantID,
			UserID:      req.UserID,
			Action:      "grant",
			FeatureCode: req.FeatureCode,
			Reason:      req.Reason,
			Actor:       req.Actor,
			OccurredAt:  now,
		}); err != nil {
			return err
		}

		var err error
		rows, err = o.recomputer.Recompute(ctx, tx, req.TenantID, req.UserID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	o.cache.Evict(ctx, req.TenantID, req.UserID)
	return entitlement.Aggregate(rows, now), nil
}

// Revoke locates the latest non-revoked grant matching (tenant, user,
// feature_code), marks it revoked, writes its audit line, recomputes and
// evicts the cache, and returns the resulting aggregated view (§4.6).
// Revoking when no active grant exists is a NotFound error: unlike Grant,
// there is no ambiguous "already revoked" state to treat as a no-op since
// there is nothing this call could have changed.
func (o *Ops) Revoke(ctx context.Context, req RevokeRequest, now time.Time) ([]entitlement.View, error) {
	var rows []store.Entitlement
	err := o.store.WithTx(ctx, func(tx *sql.Tx) error {
		grant, err := o.store.GetLatestActiveGrantForUpdate(ctx, tx, req.TenantID, req.UserID, req.FeatureCode)
		if err != nil {
			return err
		}

		if err := o.store.RevokeManualGrant(ctx, tx, grant.ID, req.Actor, req.RevokeReason, now); err != nil {
			return err
		}
		if err := o.store.InsertAuditLog(ctx, tx, store.AdminAuditLog{
			ID:          uuid.NewString(),
			TenantID:    req.TenantID,
			UserID:      req.UserID,
			Action:      "revoke",
			FeatureCode: req.FeatureCode,
			Reason:      req.RevokeReason,
			Actor:       req.Actor,
			OccurredAt:  now,
		}); err != nil {
			return err
		}

		rows, err = o.recomputer.Recompute(ctx, tx, req.TenantID, req.UserID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	o.cache.Evict(ctx, req.TenantID, req.UserID)
	return entitlement.Aggregate(rows, now), nil
}
