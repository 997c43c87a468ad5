package entitlement

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/entroline/entroline/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("sqlite://file::memory:?cache=shared&_busy_timeout=5000")
	require.NoError(t, err)
	s.DB().SetMaxOpenConns(1)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.CreateSchema(context.Background()))
	return s
}

func seedCatalog(t *testing.T, st *store.Store, tenantID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateProduct(ctx, store.Product{
		ProductID: "prod-pro", TenantID: tenantID, Name: "Pro", FeatureCodes: []string{"pro"},
	}))
	require.NoError(t, st.CreatePrice(ctx, store.Price{
		PriceID: "price-monthly", TenantID: tenantID, ProductID: "prod-pro",
		ProviderPriceID: "provider-price-monthly", Amount: 999, Currency: "usd", Cadence: store.CadenceMonth,
	}))
}

func TestRecomputeEndToEndWithSqlite(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedCatalog(t, st, "t1")

	now := time.Now().UTC()
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.InsertSubscription(ctx, tx, store.Subscription{
			ID: "row-1", TenantID: "t1", UserID: "u1", PriceID: "price-monthly",
			ProviderSubscriptionID: "sub_1", Status: store.SubscriptionActive,
			CurrentPeriodStart: now, CurrentPeriodEnd: now.Add(30 * 24 * time.Hour),
		})
	})
	require.NoError(t, err)

	r := NewRecomputer(st, 0)
	var rows []store.Entitlement
	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		var rErr error
		rows, rErr = r.Recompute(ctx, tx, "t1", "u1", now)
		return rErr
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "pro", rows[0].FeatureCode)

	persisted, err := st.ListEntitlementsForUser(ctx, "t1", "u1")
	require.NoError(t, err)
	require.Len(t, persisted, 1)
}

func TestRecomputeReplacesOnCancellation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedCatalog(t, st, "t1")
	now := time.Now().UTC()

	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.InsertSubscription(ctx, tx, store.Subscription{
			ID: "row-1", TenantID: "t1", UserID: "u1", PriceID: "price-monthly",
			ProviderSubscriptionID: "sub_1", Status: store.SubscriptionActive,
			CurrentPeriodStart: now, CurrentPeriodEnd: now.Add(30 * 24 * time.Hour),
		})
	})
	require.NoError(t, err)

	r := NewRecomputer(st, 0)
	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		_, rErr := r.Recompute(ctx, tx, "t1", "u1", now)
		return rErr
	})
	require.NoError(t, err)

	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		sub, gErr := st.GetSubscriptionByProviderIDForUpdate(ctx, tx, "sub_1")
		require.NoError(t, gErr)
		sub.Status = store.SubscriptionCanceled
		return st.UpdateSubscription(ctx, tx, sub)
	})
	require.NoError(t, err)

	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		_, rErr := r.Recompute(ctx, tx, "t1", "u1", now)
		return rErr
	})
	require.NoError(t, err)

	persisted, err := st.ListEntitlementsForUser(ctx, "t1", "u1")
	require.NoError(t, err)
	require.Len(t, persisted, 0)
}
