package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/entroline/entroline/internal/adminops"
	"github.com/entroline/entroline/internal/cache"
	"github.com/entroline/entroline/internal/config"
	"github.com/entroline/entroline/internal/entitlement"
	"github.com/entroline/entroline/internal/etcd"
	"github.com/entroline/entroline/internal/httpapi"
	"github.com/entroline/entroline/internal/ingest"
	"github.com/entroline/entroline/internal/logger"
	"github.com/entroline/entroline/internal/processors"
	"github.com/entroline/entroline/internal/provider"
	"github.com/entroline/entroline/internal/reconcile"
	"github.com/entroline/entroline/internal/store"
	"github.com/entroline/entroline/internal/tenancy"
)

func main() {
	app := &cli.App{
		Name:    "entrolined",
		Usage:   "Entroline entitlement core - webhook ingestion, reconciliation, and admin overrides",
		Version: "0.1.0",
		Commands: []*cli.Command{
			{
				Name:   "server",
				Usage:  "Run the HTTP server and, unless disabled, the scheduled reconciler",
				Action: runServer,
			},
			{
				Name:   "reconcile-once",
				Usage:  "Run a single reconciliation pass and print its summary",
				Action: runReconcileOnce,
			},
			{
				Name:  "mint-admin-token",
				Usage: "Mint a signed admin session token for ENTROLINE_ADMIN_JWT_SECRET",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour, Usage: "token lifetime"},
				},
				Action: runMintAdminToken,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// deps bundles every collaborator the server and the reconciler share, so
// both commands build the stack identically.
type deps struct {
	cfg        config.Config
	st         *store.Store
	redisClt   *redis.Client
	cacheCoord *cache.Coordinator
	providerAPI provider.API
	recomputer *entitlement.Recomputer
	ops        *adminops.Ops
	auth       *tenancy.Authenticator
	etcdClient *etcd.Client
}

func buildDeps(ctx context.Context, cfg config.Config) (*deps, error) {
	st, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := st.CreateSchema(ctx); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	redisClt := redis.NewClient(&redis.Options{
		Addr: cfg.CacheAddr, Password: cfg.CachePassword, DB: cfg.CacheDB,
	})
	cacheCoord := cache.New(redisClt, cfg.EntitlementCacheTTL)

	providerAPI := provider.NewClient(cfg.ProviderSecretKey, cfg.ProviderCallTimeout)
	recomputer := entitlement.NewRecomputer(st, cfg.PastDueGrace)
	ops := adminops.New(st, cacheCoord, recomputer)
	auth := tenancy.New(st, cfg.AdminJWTSecret)

	var etcdClient *etcd.Client
	if len(cfg.EtcdEndpoints) > 0 {
		etcdClient, err = etcd.NewClient(etcd.Config{Endpoints: cfg.EtcdEndpoints})
		if err != nil {
			return nil, fmt.Errorf("connecting to etcd: %w", err)
		}
	}

	return &deps{
		cfg: cfg, st: st, redisClt: redisClt, cacheCoord: cacheCoord,
		providerAPI: providerAPI, recomputer: recomputer, ops: ops, auth: auth,
		etcdClient: etcdClient,
	}, nil
}

func (d *deps) close() {
	if d.etcdClient != nil {
		_ = d.etcdClient.Close()
	}
	_ = d.redisClt.Close()
	_ = d.st.Close()
}

// newLeaderElector builds the reconciler's LeaderElector from an etcd
// session, or returns nil (single-instance mode) when etcd is unconfigured.
func (d *deps) newLeaderElector(ctx context.Context) (reconcile.LeaderElector, error) {
	if d.etcdClient == nil {
		return nil, nil
	}
	session, err := d.etcdClient.NewSession(ctx, 30)
	if err != nil {
		return nil, fmt.Errorf("opening etcd session: %w", err)
	}
	return d.etcdClient.NewElection(session, "/entroline/reconciler"), nil
}

func runServer(c *cli.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, log := logger.PrepareLogger(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutdown signal received")
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	registry := processors.NewRegistry()
	procDeps := processors.Deps{Store: d.st, Provider: d.providerAPI, Recomputer: d.recomputer}
	ingestor := ingest.New(d.st, d.cacheCoord, registry, procDeps, cfg.WebhookSigningSecret, cfg.WebhookSkewTolerance)

	router := httpapi.NewRouter(httpapi.Config{
		Store: d.st, Cache: d.cacheCoord, Ingestor: ingestor, AdminOps: d.ops, Auth: d.auth,
		RateLimit: 100,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.ReconcileEnabled {
		elector, err := d.newLeaderElector(ctx)
		if err != nil {
			return err
		}
		reconciler := reconcile.New(d.st, d.providerAPI, d.cacheCoord, d.recomputer, elector, reconcile.Config{
			HourUTC: cfg.ReconcileHourUTC, Lookback: cfg.ReconcileLookback,
		})
		go reconciler.Run(ctx)
	}

	go func() {
		log.Info("entrolined listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", zap.Error(err))
	}
	log.Info("entrolined stopped")
	return nil
}

func runReconcileOnce(c *cli.Context) error {
	ctx := context.Background()
	ctx, log := logger.PrepareLogger(ctx)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	reconciler := reconcile.New(d.st, d.providerAPI, d.cacheCoord, d.recomputer, nil, reconcile.Config{
		HourUTC: cfg.ReconcileHourUTC, Lookback: cfg.ReconcileLookback,
	})
	summary := reconciler.RunOnce(ctx, time.Now().UTC())

	checked, drift, corrected, errCount := 0, 0, 0, 0
	for _, ts := range summary.Tenants {
		checked += ts.Checked
		drift += ts.Drift
		corrected += ts.Corrected
		errCount += len(ts.Errors)
	}
	log.Info("reconcile-once complete",
		zap.Int("tenants", len(summary.Tenants)), zap.Int("checked", checked),
		zap.Int("drift", drift), zap.Int("corrected", corrected), zap.Int("errors", errCount))
	return nil
}

func runMintAdminToken(c *cli.Context) error {
	secret := os.Getenv("ENTROLINE_ADMIN_JWT_SECRET")
	if secret == "" {
		return fmt.Errorf("ENTROLINE_ADMIN_JWT_SECRET is required")
	}
	token, err := tenancy.IssueAdminToken(secret, c.Duration("ttl"), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("minting admin token: %w", err)
	}
	fmt.Println(token)
	return nil
}
