package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entroline/entroline/internal/entitlement"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, 5*time.Minute), mr
}

func TestCacheMissFallsOpen(t *testing.T) {
	c, _ := newTestCoordinator(t)
	views, ok := c.Get(context.Background(), "t1", "u1")
	assert.False(t, ok)
	assert.Nil(t, views)
}

func TestCachePutThenGet(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	want := []entitlement.View{{FeatureCode: "pro", IsActive: true}}

	c.Put(ctx, "t1", "u1", want)
	got, ok := c.Get(ctx, "t1", "u1")
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestCacheEvictRemovesEntry(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	c.Put(ctx, "t1", "u1", []entitlement.View{{FeatureCode: "pro", IsActive: true}})

	c.Evict(ctx, "t1", "u1")

	_, ok := c.Get(ctx, "t1", "u1")
	assert.False(t, ok)
}

func TestCacheFailsOpenWhenServerUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := New(client, 5*time.Minute)
	mr.Close() // simulate the server going away

	views, ok := c.Get(context.Background(), "t1", "u1")
	assert.False(t, ok)
	assert.Nil(t, views)
	// Evict/Put must not panic either, just log and proceed.
	c.Evict(context.Background(), "t1", "u1")
	c.Put(context.Background(), "t1", "u1", nil)
}

func TestCacheKeyProtocol(t *testing.T) {
	assert.Equal(t, "ent:tenant-a:user-b", key("tenant-a", "user-b"))
}
