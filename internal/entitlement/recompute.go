package entitlement

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/entroline/entroline/internal/resultkind"
	"github.com/entroline/entroline/internal/store"
)

// Recomputer loads the three sources from storage, runs Compute, and
// replaces the materialized rows for (tenant, user) inside one
// transaction — the single converging code path both event processors and
// the reconciler call after mutating a subscription/purchase/grant (§2,
// §4.5 point 3).
type Recomputer struct {
	store *store.Store
	grace time.Duration
}

// NewRecomputer builds a Recomputer bound to st, applying grace to
// past_due subscriptions per the configured policy.
func NewRecomputer(st *store.Store, grace time.Duration) *Recomputer {
	return &Recomputer{store: st, grace: grace}
}

// Recompute performs the full recomputation for (tenantID, userID) at
// instant now, inside tx, and returns the freshly materialized rows. The
// caller is responsible for evicting the cache entry strictly after tx
// commits (§4.4's coherency invariant forbids populating inside a
// transaction, so this function never touches the cache).
func (r *Recomputer) Recompute(ctx context.Context, tx *sql.Tx, tenantID, userID string, now time.Time) ([]store.Entitlement, error) {
	if err := r.lockPair(ctx, tx, tenantID, userID); err != nil {
		return nil, err
	}

	subs, err := r.store.ListActiveSubscriptionsForUser(ctx, tx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	purchases, err := r.store.ListPurchasesForUser(ctx, tx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	grants, err := r.store.ListActiveGrantsForUser(ctx, tx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	products, prices, err := r.loadCatalog(ctx, tx, tenantID, subs, purchases)
	if err != nil {
		return nil, err
	}

	rows := Compute(tenantID, userID, now, Sources{
		Subscriptions: subs,
		Purchases:     purchases,
		Grants:        grants,
		Products:      products,
		Prices:        prices,
		PastDueGrace:  r.grace,
	})

	if err := r.store.ReplaceEntitlementsForUser(ctx, tx, tenantID, userID, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Recomputer) loadCatalog(ctx context.Context, tx *sql.Tx, tenantID string, subs []store.Subscription, purchases []store.Purchase) (map[string]store.Product, map[string]store.Price, error) {
	prices := make(map[string]store.Price)
	products := make(map[string]store.Product)

	priceIDs := make(map[string]bool)
	for _, s := range subs {
		priceIDs[s.PriceID] = true
	}
	for _, p := range purchases {
		priceIDs[p.PriceID] = true
	}

	for priceID := range priceIDs {
		price, err := r.store.GetPrice(ctx, tx, tenantID, priceID)
		if err != nil {
			if resultkind.Is(err, resultkind.NotFound) {
				continue // price deleted/rotated out from under a stale row; skip rather than fail the whole recompute
			}
			return nil, nil, err
		}
		prices[priceID] = price

		if _, ok := products[price.ProductID]; ok {
			continue
		}
		product, err := r.store.GetProduct(ctx, tx, tenantID, price.ProductID)
		if err != nil {
			if resultkind.Is(err, resultkind.NotFound) {
				continue
			}
			return nil, nil, err
		}
		products[price.ProductID] = product
	}

	return products, prices, nil
}

// lockPair takes the (tenant, user) exclusion named in §5 so two concurrent
// recomputations for the same pair cannot interleave deletes and inserts.
// Postgres gets a real transaction-scoped advisory lock; other drivers
// (sqlite, used only in single-threaded tests) rely on the database's own
// single-writer semantics instead.
func (r *Recomputer) lockPair(ctx context.Context, tx *sql.Tx, tenantID, userID string) error {
	if !r.store.UsesAdvisoryLocks() {
		return nil
	}
	key := pairLockKey(tenantID, userID)
	_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", key)
	if err != nil {
		return resultkind.Wrap(resultkind.Transient, err, "entitlement: acquire pair lock")
	}
	return nil
}

func pairLockKey(tenantID, userID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tenantID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(userID))
	return int64(h.Sum64())
}
