// Package cache implements the entitlement cache coordinator (§4.4):
// key protocol, TTL, fail-open reads, and eviction strictly after commit.
// Grounded on volaticloud's internal/pubsub.RedisPubSub client-wrapping
// conventions, retargeted from pub/sub to a get/set/evict cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/entroline/entroline/internal/entitlement"
	"github.com/entroline/entroline/internal/logger"
)

// Coordinator wraps a redis client with the single-key protocol from §4.4.
type Coordinator struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds a Coordinator. ttl should be config.EntitlementCacheTTL
// (reference value 5 minutes, per DESIGN.md's Open Question decision).
func New(client *redis.Client, ttl time.Duration) *Coordinator {
	return &Coordinator{client: client, ttl: ttl}
}

func key(tenantID, userID string) string {
	return fmt.Sprintf("ent:%s:%s", tenantID, userID)
}

// Get attempts the cache read. A miss, a connectivity error, or a
// deserialization error are all reported as (nil, false): the fail-open
// invariant in §4.4 means every failure mode here degrades to "go read the
// database", never to a caller-visible error.
func (c *Coordinator) Get(ctx context.Context, tenantID, userID string) ([]entitlement.View, bool) {
	raw, err := c.client.Get(ctx, key(tenantID, userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.GetLogger(ctx).Warn("cache get failed, falling back to database",
				zap.String("tenant_id", tenantID), zap.String("user_id", userID), zap.Error(err))
		}
		return nil, false
	}

	var views []entitlement.View
	if err := json.Unmarshal(raw, &views); err != nil {
		logger.GetLogger(ctx).Warn("cache payload corrupt, falling back to database",
			zap.String("tenant_id", tenantID), zap.String("user_id", userID), zap.Error(err))
		return nil, false
	}
	return views, true
}

// Put populates the cache best-effort; a put error is logged and otherwise
// ignored, per §4.4.
func (c *Coordinator) Put(ctx context.Context, tenantID, userID string, views []entitlement.View) {
	data, err := json.Marshal(views)
	if err != nil {
		logger.GetLogger(ctx).Warn("cache payload marshal failed", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key(tenantID, userID), data, c.ttl).Err(); err != nil {
		logger.GetLogger(ctx).Warn("cache put failed, reads will fall back to database until TTL",
			zap.String("tenant_id", tenantID), zap.String("user_id", userID), zap.Error(err))
	}
}

// Evict deletes the cache entry for (tenant, user). Callers must invoke
// this strictly after the transaction that changed the underlying state has
// committed (§4.4's coherency invariant); a failed eviction is logged and
// otherwise swallowed — readers self-correct at TTL.
func (c *Coordinator) Evict(ctx context.Context, tenantID, userID string) {
	if err := c.client.Del(ctx, key(tenantID, userID)).Err(); err != nil {
		logger.GetLogger(ctx).Warn("cache evict failed, stale reads may persist until TTL",
			zap.String("tenant_id", tenantID), zap.String("user_id", userID), zap.Error(err))
	}
}
