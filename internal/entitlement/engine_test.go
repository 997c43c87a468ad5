package entitlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entroline/entroline/internal/store"
)

func catalog() (map[string]store.Product, map[string]store.Price) {
	products := map[string]store.Product{
		"prod-pro": {ProductID: "prod-pro", FeatureCodes: []string{"pro"}},
	}
	prices := map[string]store.Price{
		"price-monthly": {PriceID: "price-monthly", ProductID: "prod-pro", Cadence: store.CadenceMonth},
	}
	return products, prices
}

func TestComputeActiveSubscriptionGrantsFeature(t *testing.T) {
	now := time.Now().UTC()
	products, prices := catalog()

	rows := Compute("t1", "u1", now, Sources{
		Subscriptions: []store.Subscription{{
			PriceID:                "price-monthly",
			ProviderSubscriptionID: "sub_1",
			Status:                 store.SubscriptionActive,
			CurrentPeriodStart:     now.Add(-24 * time.Hour),
			CurrentPeriodEnd:       now.Add(29 * 24 * time.Hour),
		}},
		Products: products,
		Prices:   prices,
	})

	require.Len(t, rows, 1)
	assert.Equal(t, "pro", rows[0].FeatureCode)
	assert.Equal(t, store.SourceSubscription, rows[0].Source)
	assert.True(t, rows[0].IsActive)
}

func TestComputeSubscriptionAtPeriodEndIsNotActive(t *testing.T) {
	now := time.Now().UTC()
	products, prices := catalog()

	rows := Compute("t1", "u1", now, Sources{
		Subscriptions: []store.Subscription{{
			PriceID:                "price-monthly",
			ProviderSubscriptionID: "sub_1",
			Status:                 store.SubscriptionActive,
			CurrentPeriodStart:     now.Add(-30 * 24 * time.Hour),
			CurrentPeriodEnd:       now, // boundary: now == period_end
		}},
		Products: products,
		Prices:   prices,
	})

	assert.Empty(t, rows)
}

func TestComputePastDueUsesGrace(t *testing.T) {
	now := time.Now().UTC()
	products, prices := catalog()

	sources := Sources{
		Subscriptions: []store.Subscription{{
			PriceID:                "price-monthly",
			ProviderSubscriptionID: "sub_1",
			Status:                 store.SubscriptionPastDue,
			CurrentPeriodStart:     now.Add(-40 * 24 * time.Hour),
			CurrentPeriodEnd:       now.Add(-1 * time.Hour),
		}},
		Products: products,
		Prices:   prices,
	}

	assert.Empty(t, Compute("t1", "u1", now, sources))

	sources.PastDueGrace = 2 * time.Hour
	rows := Compute("t1", "u1", now, sources)
	require.Len(t, rows, 1)
}

func TestComputeLifetimePurchaseAlwaysActive(t *testing.T) {
	now := time.Now().UTC()
	products, prices := catalog()

	rows := Compute("t1", "u1", now, Sources{
		Purchases: []store.Purchase{{
			PriceID:          "price-monthly",
			ProviderChargeID: "ch_1",
			Status:           store.PurchaseSucceeded,
			ValidFrom:        now.Add(-365 * 24 * time.Hour),
			ValidTo:          nil,
		}},
		Products: products,
		Prices:   prices,
	})

	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].ValidTo)
}

func TestComputeExpiredPurchaseInactive(t *testing.T) {
	now := time.Now().UTC()
	products, prices := catalog()
	expired := now.Add(-1 * time.Hour)

	rows := Compute("t1", "u1", now, Sources{
		Purchases: []store.Purchase{{
			PriceID:          "price-monthly",
			ProviderChargeID: "ch_1",
			Status:           store.PurchaseSucceeded,
			ValidFrom:        now.Add(-48 * time.Hour),
			ValidTo:          &expired,
		}},
		Products: products,
		Prices:   prices,
	})

	assert.Empty(t, rows)
}

func TestComputeRevokedGrantNeverContributes(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)

	rows := Compute("t1", "u1", now, Sources{
		Grants: []store.ManualGrant{{
			ID:          "grant-1",
			FeatureCode: "pro",
			ValidFrom:   now.Add(-48 * time.Hour),
			ValidTo:     nil,
			RevokedAt:   &past,
		}},
	})

	assert.Empty(t, rows)
}

func TestComputeIsDeterministic(t *testing.T) {
	now := time.Now().UTC()
	products, prices := catalog()
	sources := Sources{
		Subscriptions: []store.Subscription{{
			PriceID: "price-monthly", ProviderSubscriptionID: "sub_1",
			Status: store.SubscriptionActive, CurrentPeriodStart: now.Add(-time.Hour), CurrentPeriodEnd: now.Add(time.Hour),
		}},
		Products: products,
		Prices:   prices,
	}

	first := Compute("t1", "u1", now, sources)
	second := Compute("t1", "u1", now, sources)
	assert.Equal(t, first, second)
}

func TestAggregateActiveManualBeatsExpiredSubscription(t *testing.T) {
	now := time.Now().UTC()
	future := now.Add(7 * 24 * time.Hour)
	past := now.Add(-24 * time.Hour)

	rows := []store.Entitlement{
		{FeatureCode: "pro", IsActive: true, ValidFrom: now.Add(-30 * 24 * time.Hour), ValidTo: &past, Source: store.SourceSubscription},
		{FeatureCode: "pro", IsActive: true, ValidFrom: now, ValidTo: &future, Source: store.SourceManual},
	}

	views := Aggregate(rows, now)
	require.Len(t, views, 1)
	assert.Equal(t, store.SourceManual, views[0].Source)
	assert.True(t, views[0].IsActive)
}

func TestAggregateLatestValidToWins(t *testing.T) {
	now := time.Now().UTC()
	soon := now.Add(time.Hour)
	later := now.Add(48 * time.Hour)

	rows := []store.Entitlement{
		{FeatureCode: "pro", IsActive: true, ValidFrom: now, ValidTo: &soon, Source: store.SourceSubscription},
		{FeatureCode: "pro", IsActive: true, ValidFrom: now, ValidTo: &later, Source: store.SourceSubscription},
	}

	views := Aggregate(rows, now)
	require.Len(t, views, 1)
	assert.Equal(t, &later, views[0].ValidTo)
}

func TestAggregateIsActiveFalseWhenNoRowQualifies(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)

	rows := []store.Entitlement{
		{FeatureCode: "pro", IsActive: true, ValidFrom: now.Add(-48 * time.Hour), ValidTo: &past, Source: store.SourcePurchase},
	}

	views := Aggregate(rows, now)
	require.Len(t, views, 1)
	assert.False(t, views[0].IsActive)
}
