// Package entitlement implements the pure computation engine (§4.3): given
// a tenant, a user, and the current time, it derives the full set of
// materialized entitlement rows from the three contributing sources and
// collapses them into the aggregated view callers see.
package entitlement

import (
	"sort"
	"time"

	"github.com/entroline/entroline/internal/store"
)

// Sources bundles the three independent inputs the engine merges. Loading
// them is internal/store's job; Compute itself touches no I/O, which is
// what makes it a pure function and keeps the determinism property
// testable without a database.
type Sources struct {
	Subscriptions []store.Subscription
	Purchases     []store.Purchase
	Grants        []store.ManualGrant
	// Products maps product_id to its feature codes, needed to expand a
	// subscription/purchase's price into the feature codes it grants.
	Products map[string]store.Product
	Prices   map[string]store.Price
	// PastDueGrace extends a past_due subscription's effective validity
	// window past current_period_end (§3; zero by default, see DESIGN.md).
	PastDueGrace time.Duration
}

// Compute derives every materialized entitlement row for (tenantID, userID)
// at instant now, per §4.3's three-step algorithm. The result is
// deterministic for fixed inputs: callers get exactly one row per
// (feature_code, source, source_ref) and the slice is sorted so repeated
// invocations are byte-identical once serialized.
func Compute(tenantID, userID string, now time.Time, src Sources) []store.Entitlement {
	var rows []store.Entitlement

	for _, sub := range src.Subscriptions {
		effectiveEnd := sub.CurrentPeriodEnd
		if sub.Status == store.SubscriptionPastDue {
			effectiveEnd = effectiveEnd.Add(src.PastDueGrace)
		}
		if !subscriptionQualifies(sub, now, effectiveEnd) {
			continue
		}
		for _, feature := range featuresForPrice(sub.PriceID, src) {
			rows = append(rows, store.Entitlement{
				ID:          entitlementID(tenantID, userID, feature, store.SourceSubscription, sub.ProviderSubscriptionID),
				TenantID:    tenantID,
				UserID:      userID,
				FeatureCode: feature,
				IsActive:    true,
				ValidFrom:   sub.CurrentPeriodStart,
				ValidTo:     ptrTime(effectiveEnd),
				Source:      store.SourceSubscription,
				SourceRef:   sub.ProviderSubscriptionID,
				ComputedAt:  now,
			})
		}
	}

	for _, p := range src.Purchases {
		if p.Status != store.PurchaseSucceeded || !withinWindow(now, p.ValidFrom, p.ValidTo) {
			continue
		}
		for _, feature := range featuresForPrice(p.PriceID, src) {
			rows = append(rows, store.Entitlement{
				ID:          entitlementID(tenantID, userID, feature, store.SourcePurchase, p.ProviderChargeID),
				TenantID:    tenantID,
				UserID:      userID,
				FeatureCode: feature,
				IsActive:    true,
				ValidFrom:   p.ValidFrom,
				ValidTo:     p.ValidTo,
				Source:      store.SourcePurchase,
				SourceRef:   p.ProviderChargeID,
				ComputedAt:  now,
			})
		}
	}

	for _, g := range src.Grants {
		if !g.Active(now) {
			continue
		}
		rows = append(rows, store.Entitlement{
			ID:          entitlementID(tenantID, userID, g.FeatureCode, store.SourceManual, g.ID),
			TenantID:    tenantID,
			UserID:      userID,
			FeatureCode: g.FeatureCode,
			IsActive:    true,
			ValidFrom:   g.ValidFrom,
			ValidTo:     g.ValidTo,
			Source:      store.SourceManual,
			SourceRef:   g.ID,
			ComputedAt:  now,
		})
	}

	sortDeterministic(rows)
	return rows
}

// subscriptionQualifies implements §3's grant condition: active/trialing
// and strictly before current_period_end (boundary test: now == period_end
// is NOT active); past_due qualifies up to effectiveEnd, which the caller
// has already extended by the configured grace window.
func subscriptionQualifies(sub store.Subscription, now, effectiveEnd time.Time) bool {
	switch sub.Status {
	case store.SubscriptionActive, store.SubscriptionTrialing, store.SubscriptionPastDue:
		return now.Before(effectiveEnd)
	default:
		return false
	}
}

// withinWindow reports whether now falls in [from, to); a nil to means
// unbounded (lifetime).
func withinWindow(now, from time.Time, to *time.Time) bool {
	if now.Before(from) {
		return false
	}
	return to == nil || now.Before(*to)
}

func featuresForPrice(priceID string, src Sources) []string {
	price, ok := src.Prices[priceID]
	if !ok {
		return nil
	}
	product, ok := src.Products[price.ProductID]
	if !ok {
		return nil
	}
	return product.FeatureCodes
}

func entitlementID(tenantID, userID, featureCode string, source store.EntitlementSource, sourceRef string) string {
	return tenantID + "|" + userID + "|" + featureCode + "|" + string(source) + "|" + sourceRef
}

func ptrTime(t time.Time) *time.Time { return &t }

func sortDeterministic(rows []store.Entitlement) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].FeatureCode != rows[j].FeatureCode {
			return rows[i].FeatureCode < rows[j].FeatureCode
		}
		if rows[i].Source != rows[j].Source {
			return rows[i].Source < rows[j].Source
		}
		return rows[i].SourceRef < rows[j].SourceRef
	})
}
