// Package config loads the entitlement core's process-wide configuration
// from the environment once at startup, following volaticloud's cmd/server
// EnvVars convention but without the CLI flag layer (this service has no
// interactive flags beyond the command name itself).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the immutable, fully-resolved configuration for one process.
// It is constructed once in cmd/entrolined and passed explicitly into every
// constructor. The only other environment reads are cmd/entrolined's
// mint-admin-token command (ENTROLINE_ADMIN_JWT_SECRET) and
// logger.NewLoggerFromEnv (ENTROLINE_ENV).
type Config struct {
	// DatabaseDSN is a database/sql connection string. Accepts a
	// "postgres://" or "sqlite://" prefix, matching volaticloud's
	// parseDatabase convention.
	DatabaseDSN string

	// CacheAddr is the redis address (host:port) for the entitlement cache.
	CacheAddr     string
	CachePassword string
	CacheDB       int

	// ProviderSecretKey authenticates outbound calls to the payment provider.
	ProviderSecretKey string

	// WebhookSigningSecret is the shared secret used to verify the
	// "timestamp.body" HMAC-SHA256 signature on inbound webhooks.
	WebhookSigningSecret string

	// WebhookSkewTolerance bounds the replay window for webhook timestamps.
	WebhookSkewTolerance time.Duration

	// AdminJWTSecret signs and verifies the elevated admin session token
	// required by /v1/admin/* endpoints (HS256 via golang-jwt/jwt/v5) — a
	// credential distinct in kind, not just in value, from a tenant's own
	// opaque hashed secret (§4.6).
	AdminJWTSecret string

	// EntitlementCacheTTL is the fixed TTL for cached aggregated entitlement
	// views. Reference value 5 minutes (see DESIGN.md Open Questions).
	EntitlementCacheTTL time.Duration

	// PastDueGrace extends a past_due subscription's effective validity
	// window past current_period_end. Zero by default (spec.md §3).
	PastDueGrace time.Duration

	// ReconcileEnabled toggles whether this replica runs the scheduled
	// reconciler at all.
	ReconcileEnabled bool
	// ReconcileHourUTC is the hour-of-day (0-23) the reconciler targets.
	ReconcileHourUTC int
	// ReconcileLookback bounds how far back the reconciler inspects
	// provider-side records for drift.
	ReconcileLookback time.Duration

	// EtcdEndpoints, when non-empty, enables distributed leader election for
	// the reconciler across replicas. Empty means single-replica mode: this
	// process always believes itself the leader.
	EtcdEndpoints []string

	// HTTPAddr is the listen address for the HTTP server.
	HTTPAddr string

	// ProviderCallTimeout bounds the total retry time of one provider.Client
	// call. DBConnectTimeout and DBQueryTimeout are loaded but not applied
	// anywhere: store.Open and the store's queries run with no timeout of
	// their own beyond the caller's context.
	DBConnectTimeout    time.Duration
	DBQueryTimeout      time.Duration
	ProviderCallTimeout time.Duration
}

// Load builds a Config from environment variables, applying the defaults
// named in spec.md §5/§6.
func Load() (Config, error) {
	cfg := Config{
		DatabaseDSN:          os.Getenv("ENTROLINE_DATABASE_DSN"),
		CacheAddr:            getenvDefault("ENTROLINE_CACHE_ADDR", "127.0.0.1:6379"),
		CachePassword:        os.Getenv("ENTROLINE_CACHE_PASSWORD"),
		ProviderSecretKey:    os.Getenv("ENTROLINE_PROVIDER_SECRET_KEY"),
		WebhookSigningSecret: os.Getenv("ENTROLINE_WEBHOOK_SIGNING_SECRET"),
		AdminJWTSecret:       os.Getenv("ENTROLINE_ADMIN_JWT_SECRET"),
		HTTPAddr:             getenvDefault("ENTROLINE_HTTP_ADDR", ":8080"),
	}

	if cfg.DatabaseDSN == "" {
		return Config{}, fmt.Errorf("ENTROLINE_DATABASE_DSN is required")
	}
	if cfg.WebhookSigningSecret == "" {
		return Config{}, fmt.Errorf("ENTROLINE_WEBHOOK_SIGNING_SECRET is required")
	}

	var err error
	if cfg.CacheDB, err = getenvIntDefault("ENTROLINE_CACHE_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.WebhookSkewTolerance, err = getenvDurationDefault("ENTROLINE_WEBHOOK_SKEW_SECONDS", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.EntitlementCacheTTL, err = getenvDurationDefault("ENTROLINE_CACHE_TTL_SECONDS", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.PastDueGrace, err = getenvDurationDefault("ENTROLINE_PASTDUE_GRACE_SECONDS", 0); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileEnabled, err = getenvBoolDefault("ENTROLINE_RECONCILE_ENABLED", true); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileHourUTC, err = getenvIntDefault("ENTROLINE_RECONCILE_HOUR_UTC", 3); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileHourUTC < 0 || cfg.ReconcileHourUTC > 23 {
		return Config{}, fmt.Errorf("ENTROLINE_RECONCILE_HOUR_UTC must be 0-23, got %d", cfg.ReconcileHourUTC)
	}
	lookbackDays, err := getenvIntDefault("ENTROLINE_RECONCILE_LOOKBACK_DAYS", 7)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconcileLookback = time.Duration(lookbackDays) * 24 * time.Hour

	if cfg.DBConnectTimeout, err = getenvDurationDefault("ENTROLINE_DB_CONNECT_TIMEOUT_SECONDS", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.DBQueryTimeout, err = getenvDurationDefault("ENTROLINE_DB_QUERY_TIMEOUT_SECONDS", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ProviderCallTimeout, err = getenvDurationDefault("ENTROLINE_PROVIDER_CALL_TIMEOUT_SECONDS", 30*time.Second); err != nil {
		return Config{}, err
	}

	if endpoints := os.Getenv("ENTROLINE_ETCD_ENDPOINTS"); endpoints != "" {
		for _, e := range strings.Split(endpoints, ",") {
			if e = strings.TrimSpace(e); e != "" {
				cfg.EtcdEndpoints = append(cfg.EtcdEndpoints, e)
			}
		}
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, v, err)
	}
	return n, nil
}

func getenvBoolDefault(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, v, err)
	}
	return b, nil
}

func getenvDurationDefault(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer seconds %q: %w", key, v, err)
	}
	return time.Duration(secs) * time.Second, nil
}

