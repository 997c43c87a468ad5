package adminops

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/entroline/entroline/internal/cache"
	"github.com/entroline/entroline/internal/entitlement"
	"github.com/entroline/entroline/internal/resultkind"
	"github.com/entroline/entroline/internal/store"
)

func newTestOps(t *testing.T) (*Ops, *store.Store) {
	t.Helper()
	st, err := store.Open("sqlite://file::memory:?cache=shared&_busy_timeout=5000")
	require.NoError(t, err)
	st.DB().SetMaxOpenConns(1)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.CreateSchema(context.Background()))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return New(st, cache.New(rdb, 5*time.Minute), entitlement.NewRecomputer(st, 0)), st
}

func TestGrantInsertsRowAndAuditLine(t *testing.T) {
	ops, st := newTestOps(t)
	now := time.Now().UTC()

	views, err := ops.Grant(context.Background(), GrantRequest{
		TenantID: "t1", UserID: "u1", FeatureCode: "beta-access",
		Reason: "support escalation", Actor: "ops@entroline.test",
	}, now)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, "beta-access", views[0].FeatureCode)
	require.True(t, views[0].IsActive)
	require.Equal(t, store.SourceManual, views[0].Source)

	log, err := st.ListAuditLogForTenant(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.Equal(t, "grant", log[0].Action)
	require.Equal(t, "ops@entroline.test", log[0].Actor)
}

func TestGrantRejectsEmptyReason(t *testing.T) {
	ops, _ := newTestOps(t)
	_, err := ops.Grant(context.Background(), GrantRequest{
		TenantID: "t1", UserID: "u1", FeatureCode: "beta-access", Actor: "ops@entroline.test",
	}, time.Now().UTC())
	require.Error(t, err)
	require.True(t, resultkind.Is(err, resultkind.Validation))
}

func TestRevokeRemovesActiveGrant(t *testing.T) {
	ops, st := newTestOps(t)
	now := time.Now().UTC()

	_, err := ops.Grant(context.Background(), GrantRequest{
		TenantID: "t1", UserID: "u1", FeatureCode: "beta-access",
		Reason: "pilot", Actor: "ops@entroline.test",
	}, now)
	require.NoError(t, err)

	views, err := ops.Revoke(context.Background(), RevokeRequest{
		TenantID: "t1", UserID: "u1", FeatureCode: "beta-access",
		RevokeReason: "pilot ended", Actor: "ops@entroline.test",
	}, now.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, views)

	log, err := st.ListAuditLogForTenant(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, log, 2)
	require.Equal(t, "revoke", log[0].Action) // most recent first
}

func TestRevokeWithNoActiveGrantIsNotFound(t *testing.T) {
	ops, _ := newTestOps(t)
	_, err := ops.Revoke(context.Background(), RevokeRequest{
		TenantID: "t1", UserID: "u1", FeatureCode: "beta-access",
		RevokeReason: "n/a", Actor: "ops@entroline.test",
	}, time.Now().UTC())
	require.Error(t, err)
	require.True(t, resultkind.Is(err, resultkind.NotFound))
}
