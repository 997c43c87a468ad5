package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/entroline/entroline/internal/resultkind"
)

// newTestStore opens a private in-memory sqlite database and creates the
// schema. MaxOpenConns is pinned to 1 because go-sqlite3's ":memory:"
// databases are per-connection; cache=shared plus a single connection keeps
// every query in the test hitting the same data.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite://file::memory:?cache=shared&_busy_timeout=5000")
	require.NoError(t, err)
	s.DB().SetMaxOpenConns(1)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.CreateSchema(context.Background()))
	return s
}

func TestCreateAndGetTenant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.CreateTenant(ctx, Tenant{TenantID: "tenant-a", Active: true, CredentialHash: "hash-a"})
	require.NoError(t, err)

	got, err := s.GetTenant(ctx, "tenant-a")
	require.NoError(t, err)
	require.Equal(t, "tenant-a", got.TenantID)
	require.True(t, got.Active)

	byHash, err := s.GetTenantByCredentialHash(ctx, "hash-a")
	require.NoError(t, err)
	require.Equal(t, "tenant-a", byHash.TenantID)
}

func TestCreateTenantDuplicateIsConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTenant(ctx, Tenant{TenantID: "dup", CredentialHash: "h1"}))
	err := s.CreateTenant(ctx, Tenant{TenantID: "dup", CredentialHash: "h2"})
	require.Error(t, err)
	require.True(t, resultkind.Is(err, resultkind.Conflict))
}

func TestProductFeatureCodesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTenant(ctx, Tenant{TenantID: "t1", CredentialHash: "h"}))
	err := s.CreateProduct(ctx, Product{
		ProductID:    "prod-1",
		TenantID:     "t1",
		Name:         "Pro plan",
		FeatureCodes: []string{"pro", "beta_access"},
	})
	require.NoError(t, err)

	got, err := s.GetProduct(ctx, nil, "t1", "prod-1")
	require.NoError(t, err)
	require.Equal(t, []string{"pro", "beta_access"}, got.FeatureCodes)
}

func TestSubscriptionInsertUpdateAndFetchForUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	sub := Subscription{
		ID:                     "sub-row-1",
		TenantID:               "t1",
		UserID:                 "u1",
		PriceID:                "price-1",
		ProviderSubscriptionID: "provider-sub-1",
		Status:                 SubscriptionActive,
		CurrentPeriodStart:     now,
		CurrentPeriodEnd:       now.Add(30 * 24 * time.Hour),
	}

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.InsertSubscription(ctx, tx, sub)
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		fetched, err := s.GetSubscriptionByProviderIDForUpdate(ctx, tx, "provider-sub-1")
		require.NoError(t, err)
		fetched.Status = SubscriptionPastDue
		return s.UpdateSubscription(ctx, tx, fetched)
	})
	require.NoError(t, err)

	list, err := s.ListActiveSubscriptionsForUser(ctx, nil, "t1", "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, SubscriptionPastDue, list[0].Status)
}

func TestSubscriptionNotFoundIsResultKindNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := s.GetSubscriptionByProviderIDForUpdate(ctx, tx, "missing")
		return err
	})
	require.Error(t, err)
	require.True(t, resultkind.Is(err, resultkind.NotFound))
}

func TestManualGrantInsertAndRevoke(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.InsertManualGrant(ctx, tx, ManualGrant{
			ID:          "grant-1",
			TenantID:    "t1",
			UserID:      "u1",
			FeatureCode: "pro",
			ValidFrom:   now,
			Reason:      "trial",
			GrantedBy:   "admin-1",
			GrantedAt:   now,
		})
	})
	require.NoError(t, err)

	active, err := s.ListActiveGrantsForUser(ctx, nil, "t1", "u1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.True(t, active[0].Active(now))

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		g, err := s.GetLatestActiveGrantForUpdate(ctx, tx, "t1", "u1", "pro")
		require.NoError(t, err)
		return s.RevokeManualGrant(ctx, tx, g.ID, "admin-1", "mistake", now.Add(time.Hour))
	})
	require.NoError(t, err)

	active, err = s.ListActiveGrantsForUser(ctx, nil, "t1", "u1")
	require.NoError(t, err)
	require.Len(t, active, 0)
}

func TestEntitlementReplaceInPlace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	first := []Entitlement{{
		ID: "e1", TenantID: "t1", UserID: "u1", FeatureCode: "pro",
		IsActive: true, ValidFrom: now, Source: SourceSubscription, SourceRef: "sub-1", ComputedAt: now,
	}}
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.ReplaceEntitlementsForUser(ctx, tx, "t1", "u1", first)
	})
	require.NoError(t, err)

	rows, err := s.ListEntitlementsForUser(ctx, "t1", "u1")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// replacing with an empty set clears all rows — this is how revocation
	// and cancellation take effect without a separate delete path.
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.ReplaceEntitlementsForUser(ctx, tx, "t1", "u1", nil)
	})
	require.NoError(t, err)

	rows, err = s.ListEntitlementsForUser(ctx, "t1", "u1")
	require.NoError(t, err)
	require.Len(t, rows, 0)
}

func TestRawEventDedupInsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev, inserted, err := s.InsertPendingRawEvent(ctx, RawEvent{
		ProviderEventID: "evt-1",
		EventType:       "checkout.session.completed",
		Payload:         []byte(`{}`),
	})
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, OutcomePending, ev.ProcessingOutcome)

	// a second insert of the same provider event id must not create a new
	// row; the caller gets the existing pending row back instead.
	dup, inserted, err := s.InsertPendingRawEvent(ctx, RawEvent{
		ProviderEventID: "evt-1",
		EventType:       "checkout.session.completed",
		Payload:         []byte(`{}`),
	})
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, OutcomePending, dup.ProcessingOutcome)

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.MarkRawEventOutcome(ctx, tx, "evt-1", OutcomeSucceeded, "", time.Now().UTC())
	})
	require.NoError(t, err)

	final, _, err := s.InsertPendingRawEvent(ctx, RawEvent{ProviderEventID: "evt-1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeSucceeded, final.ProcessingOutcome)
}

func TestAdminAuditLogInsertAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.InsertAuditLog(ctx, tx, AdminAuditLog{
			ID: "audit-1", TenantID: "t1", UserID: "u1", Action: "grant",
			FeatureCode: "pro", Reason: "trial", Actor: "admin-1", OccurredAt: now,
		})
	})
	require.NoError(t, err)

	entries, err := s.ListAuditLogForTenant(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "grant", entries[0].Action)
}
