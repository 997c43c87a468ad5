// Package reconcile implements the scheduled reconciler (§4.5): for each
// tenant, it enumerates provider-side subscriptions and charges modified
// within a lookback window, compares each against its local counterpart,
// corrects drift, and triggers the same recompute+evict path event
// processors use. A run never aborts on one tenant's or one record's
// failure; every per-record and per-tenant error is recorded in that
// tenant's TenantSummary. A failure to enumerate provider records or to
// list tenants is logged only: it does not appear in the returned Summary.
//
// Grounded on volaticloud's internal/monitor/backtest_monitor.go ticker
// loop shape (Start/checkBacktests/checkBacktest), internal/etcd/client.go's
// NewSession/NewElection for leader lease across replicas, and the
// retrieval pack's other_examples SubscriptionStateReconciler for the
// drift-summary logging texture.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"github.com/entroline/entroline/internal/cache"
	"github.com/entroline/entroline/internal/entitlement"
	"github.com/entroline/entroline/internal/logger"
	"github.com/entroline/entroline/internal/processors"
	"github.com/entroline/entroline/internal/provider"
	"github.com/entroline/entroline/internal/resultkind"
	"github.com/entroline/entroline/internal/store"
)

// LeaderElector is the subset of *concurrency.Election this package needs.
// internal/etcd.Client.NewElection returns a *concurrency.Election, which
// satisfies this interface directly; tests pass a fake instead of standing
// up etcd. A nil LeaderElector disables leader election, for single-
// instance deployments.
type LeaderElector interface {
	Campaign(ctx context.Context, val string) error
	Resign(ctx context.Context) error
}

// Config tunes the reconciler's cadence and lookback window (§4.5).
type Config struct {
	// Interval is the spacing between ticks; the reconciler only actually
	// runs on the tick whose hour matches HourUTC, so Interval should
	// divide evenly into 24h (an hour is a reasonable default).
	Interval time.Duration
	// HourUTC is the hour of day, 0-23, the daily run should land on.
	HourUTC int
	// Lookback bounds how far back the provider enumeration reaches;
	// default 7 days per §4.5.
	Lookback time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = time.Hour
	}
	if c.Lookback == 0 {
		c.Lookback = 7 * 24 * time.Hour
	}
	return c
}

// Reconciler wires the collaborators the reconciliation loop needs.
type Reconciler struct {
	store      *store.Store
	provider   provider.API
	cache      *cache.Coordinator
	recomputer *entitlement.Recomputer
	elector    LeaderElector
	cfg        Config
}

// New builds a Reconciler. elector may be nil to disable leader election.
func New(st *store.Store, api provider.API, c *cache.Coordinator, recomputer *entitlement.Recomputer, elector LeaderElector, cfg Config) *Reconciler {
	return &Reconciler{store: st, provider: api, cache: c, recomputer: recomputer, elector: elector, cfg: cfg.withDefaults()}
}

// TenantSummary reports one tenant's reconciliation counts (§4.5 point 4).
type TenantSummary struct {
	TenantID  string
	Checked   int
	Drift     int
	Corrected int
	Errors    []string
}

// Summary is the structured result of one reconciliation run, returned
// instead of only being logged (SPEC_FULL.md's supplemented feature 4: a
// summary callers can assert on and alert from, not log lines to grep).
type Summary struct {
	RunAt   time.Time
	Tenants []TenantSummary
}

// Run starts the scheduled loop. When an elector is configured, Run blocks
// campaigning for leadership before ticking, and resigns when ctx is
// cancelled, so only one replica reconciles at a time.
func (r *Reconciler) Run(ctx context.Context) {
	log := logger.GetLogger(ctx)

	if r.elector != nil {
		if err := r.elector.Campaign(ctx, "reconciler"); err != nil {
			log.Error("reconcile: leader campaign failed", zap.Error(err))
			return
		}
		defer func() {
			if err := r.elector.Resign(context.Background()); err != nil {
				log.Warn("reconcile: leader resign failed", zap.Error(err))
			}
		}()
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			if now.Hour() != r.cfg.HourUTC {
				continue
			}
			summary := r.RunOnce(ctx, now)
			log.Info("reconcile: run complete",
				zap.Time("run_at", summary.RunAt), zap.Int("tenant_count", len(summary.Tenants)))
		}
	}
}

// RunOnce performs a single reconciliation pass at instant now, for tests
// and for a one-shot CLI invocation (cmd/entrolined's reconcile-once).
func (r *Reconciler) RunOnce(ctx context.Context, now time.Time) Summary {
	log := logger.GetLogger(ctx)
	since := now.Add(-r.cfg.Lookback)

	remoteSubs, err := r.provider.ListSubscriptionsModifiedSince(ctx, since)
	if err != nil {
		log.Error("reconcile: enumerate subscriptions failed", zap.Error(err))
	}
	remoteCharges, err := r.provider.ListChargesModifiedSince(ctx, since)
	if err != nil {
		log.Error("reconcile: enumerate charges failed", zap.Error(err))
	}

	tenants, err := r.store.ListActiveTenants(ctx)
	if err != nil {
		log.Error("reconcile: list tenants failed", zap.Error(err))
		return Summary{RunAt: now}
	}

	subsByTenant := groupSubscriptionsByTenant(remoteSubs)
	chargesByTenant := groupChargesByTenant(remoteCharges)

	summary := Summary{RunAt: now}
	for _, tenant := range tenants {
		ts := r.reconcileTenant(ctx, tenant.TenantID, subsByTenant[tenant.TenantID], chargesByTenant[tenant.TenantID], now)
		summary.Tenants = append(summary.Tenants, ts)
	}
	return summary
}

// reconcileTenant runs the per-tenant pass. A failure on one record is
// recorded in ts.Errors and does not stop the remaining records or
// subsequent tenants (§4.5's partial-failure tolerance requirement).
func (r *Reconciler) reconcileTenant(ctx context.Context, tenantID string, subs []*stripe.Subscription, charges []*stripe.Charge, now time.Time) TenantSummary {
	log := logger.GetLogger(ctx)
	ts := TenantSummary{TenantID: tenantID}
	touched := make(map[[2]string]struct{})
	var errs *multierror.Error

	for _, sub := range subs {
		ts.Checked++
		userID, drift, err := r.reconcileSubscription(ctx, tenantID, sub)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
			ts.Errors = append(ts.Errors, err.Error())
			continue
		}
		if drift {
			ts.Drift++
			ts.Corrected++
		}
		if userID != "" {
			touched[[2]string{tenantID, userID}] = struct{}{}
		}
	}

	for _, ch := range charges {
		ts.Checked++
		userID, drift, err := r.reconcileCharge(ctx, tenantID, ch, now)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("charge %s: %w", ch.ID, err))
			ts.Errors = append(ts.Errors, err.Error())
			continue
		}
		if drift {
			ts.Drift++
			ts.Corrected++
		}
		if userID != "" {
			touched[[2]string{tenantID, userID}] = struct{}{}
		}
	}

	for pair := range touched {
		if err := r.recomputeAndEvict(ctx, pair[0], pair[1], now); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("recompute %s/%s: %w", pair[0], pair[1], err))
			ts.Errors = append(ts.Errors, err.Error())
		}
	}

	if errs != nil {
		log.Warn("reconcile: tenant completed with errors",
			zap.String("tenant_id", tenantID), zap.Int("error_count", errs.Len()))
	}
	return ts
}

// reconcileSubscription implements §4.5 point 2 for one remote
// subscription: insert if the local counterpart is absent, overwrite if
// status or period fields differ, no-op otherwise.
func (r *Reconciler) reconcileSubscription(ctx context.Context, tenantID string, sub *stripe.Subscription) (userID string, drift bool, err error) {
	remoteTenantID, remoteUserID, metaErr := provider.RequireTenantAndUser(sub.Metadata)
	if metaErr != nil || remoteTenantID != tenantID {
		return "", false, nil // not stamped for this tenant; nothing to reconcile
	}

	txErr := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		existing, getErr := r.store.GetSubscriptionByProviderIDForUpdate(ctx, tx, sub.ID)
		switch {
		case getErr == nil:
			drift = existing.Status != processors.MapSubscriptionStatus(sub.Status) ||
				existing.CurrentPeriodStart.Unix() != processors.SubscriptionPeriodStart(sub).Unix() ||
				existing.CurrentPeriodEnd.Unix() != processors.SubscriptionPeriodEnd(sub).Unix() ||
				existing.CancelAtPeriodEnd != sub.CancelAtPeriodEnd
			if !drift {
				return nil
			}
		case resultkind.Is(getErr, resultkind.NotFound):
			drift = true
		default:
			return getErr
		}
		deps := processors.Deps{Store: r.store, Provider: r.provider}
		return processors.UpsertSubscriptionFromRemote(ctx, deps, tx, tenantID, sub)
	})
	if txErr != nil {
		return "", false, txErr
	}
	if !drift {
		return "", false, nil
	}
	return remoteUserID, true, nil
}

// reconcileCharge implements §4.5 point 2 for one remote charge, correcting
// the refund status of a purchase this core already knows about. A charge
// with no local counterpart is skipped rather than inserted: stripe.Charge
// carries no price/line-item reference, so there is nothing to construct a
// Purchase row from here; purchase creation is owned exclusively by the
// checkout.session.completed processor.
func (r *Reconciler) reconcileCharge(ctx context.Context, tenantID string, ch *stripe.Charge, now time.Time) (userID string, drift bool, err error) {
	remoteTenantID, remoteUserID, metaErr := provider.RequireTenantAndUser(ch.Metadata)
	if metaErr != nil || remoteTenantID != tenantID {
		return "", false, nil
	}

	providerChargeID := processors.ChargeReferenceID(*ch)
	wantStatus := store.PurchaseSucceeded
	if ch.Refunded {
		wantStatus = store.PurchaseRefunded
	}

	txErr := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		existing, getErr := r.store.GetPurchaseByChargeIDForUpdate(ctx, tx, providerChargeID)
		if resultkind.Is(getErr, resultkind.NotFound) {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		if existing.Status == wantStatus {
			return nil
		}
		drift = true
		existing.Status = wantStatus
		if wantStatus == store.PurchaseRefunded && existing.RefundedAt == nil {
			refundedAt := now
			existing.RefundedAt = &refundedAt
		}
		return r.store.UpdatePurchase(ctx, tx, existing)
	})
	if txErr != nil {
		return "", false, txErr
	}
	if !drift {
		return "", false, nil
	}
	return remoteUserID, true, nil
}

// recomputeAndEvict runs the same recompute+evict path event processors
// use (§2, §4.4), for every (tenant, user) pair a reconciliation touched.
func (r *Reconciler) recomputeAndEvict(ctx context.Context, tenantID, userID string, now time.Time) error {
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := r.recomputer.Recompute(ctx, tx, tenantID, userID, now)
		return err
	})
	if err != nil {
		return err
	}
	r.cache.Evict(ctx, tenantID, userID)
	return nil
}

func groupSubscriptionsByTenant(subs []*stripe.Subscription) map[string][]*stripe.Subscription {
	out := make(map[string][]*stripe.Subscription)
	for _, sub := range subs {
		tenantID := sub.Metadata[provider.MetadataTenantID]
		if tenantID == "" {
			continue
		}
		out[tenantID] = append(out[tenantID], sub)
	}
	return out
}

func groupChargesByTenant(charges []*stripe.Charge) map[string][]*stripe.Charge {
	out := make(map[string][]*stripe.Charge)
	for _, ch := range charges {
		tenantID := ch.Metadata[provider.MetadataTenantID]
		if tenantID == "" {
			continue
		}
		out[tenantID] = append(out[tenantID], ch)
	}
	return out
}
