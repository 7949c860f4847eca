// Kestrel - Risk-adaptive access control with continuous trust scoring.
// Copyright (c) 2025 opensource.security
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-security/kestrel/internal/api"
	"github.com/opensource-security/kestrel/internal/bus"
	"github.com/opensource-security/kestrel/internal/cache"
	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/repository"
	"github.com/opensource-security/kestrel/internal/scaling"
	"github.com/opensource-security/kestrel/internal/trust"
	"github.com/opensource-security/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Trust Score Engine. The repository doubles as profile
	// store and tenant config provider.
	engine := trust.NewEngine(repo, repo, cacheImpl, cfg.Engine)
	slog.Info("trust engine initialized",
		"cache_enabled", cfg.Engine.CacheEnabled,
		"history_window", cfg.Engine.HistoryWindow,
	)

	// Initialize Policy Cache and load triggers/policies from database
	// (no hardcoded defaults - configure via API)
	policyCache, err := scaling.NewPolicyCache(repo)
	if err != nil {
		slog.Error("failed to initialize policy cache", "error", err)
		os.Exit(1)
	}
	if err := policyCache.Reload(ctx); err != nil {
		slog.Warn("initial policy load failed - configure via POST /triggers and /policies", "error", err)
	}
	snap := policyCache.Snapshot()
	slog.Info("policy cache initialized",
		"triggers", len(snap.Triggers),
		"policies", len(snap.Policies),
	)

	// Shared evaluation state: Redis-backed for multi-replica Pro
	// deployments, in-process otherwise.
	var stateStore domain.SharedEvaluationStateStore
	if cfg.Cache.Type == "redis" {
		redisState, err := cache.NewRedisStateStore(
			cfg.Cache.RedisAddr,
			cfg.Cache.RedisPassword,
			cfg.Cache.RedisDB,
			time.Duration(cfg.Controller.Cooldown)*time.Second*2,
		)
		if err != nil {
			slog.Error("failed to initialize shared state store", "error", err)
			os.Exit(1)
		}
		defer redisState.Close()
		stateStore = redisState
		slog.Info("shared evaluation state on redis", "addr", cfg.Cache.RedisAddr)
	} else {
		stateStore = scaling.NewMemoryStateStore()
	}

	// Principal notifications go out over the event bus
	var notifier domain.NotificationSink
	if cfg.Controller.NotifyEnabled {
		notifier = bus.NewNotifier(busImpl)
	}

	// Initialize Adaptive Scaling Controller
	controller := scaling.NewController(cfg.Controller, policyCache, repo, repo, stateStore, notifier)
	slog.Info("scaling controller initialized",
		"enabled", cfg.Controller.Enabled,
		"cooldown_seconds", cfg.Controller.Cooldown,
		"auto_downgrade", cfg.Controller.AutoDowngrade,
	)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, controller, policyCache)

		// Get tenant IDs to process; empty falls back to the cross-tenant wildcard
		var tenantIDs []string
		if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
			for _, t := range strings.Split(envTenants, ",") {
				if t = strings.TrimSpace(t); t != "" {
					tenantIDs = append(tenantIDs, t)
				}
			}
		}

		workerCfg := worker.Config{
			TenantIDs:     tenantIDs,
			SweepInterval: time.Minute,
			SweepLimit:    100,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	} else if cfg.Controller.AutoDowngrade {
		// Inline mode still needs the expiry sweep.
		go runSweeper(ctx, controller)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Engine:      engine,
		Controller:  controller,
		PolicyCache: policyCache,
		Profiles:    repo,
		Policies:    repo,
		Levels:      repo,
		Events:      repo,
		Cache:       cacheImpl,
		Bus:         busImpl,
		Version:     Version,
		Async:       asyncWorker != nil,
	})

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// runSweeper periodically restores expired upward adjustments when no
// async worker owns the sweep.
func runSweeper(ctx context.Context, controller *scaling.Controller) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			swept, err := controller.SweepExpired(ctx, now.UTC(), 100)
			if err != nil {
				slog.Error("expiry sweep failed", "error", err)
			} else if swept > 0 {
				slog.Info("expired adjustments restored", "count", swept)
			}
		}
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║     Risk-Adaptive Access Control          ║")
	fmt.Println("  ║      Trust is earned, continuously.       ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /evaluate                - Evaluate a principal's trust")
	fmt.Println("    GET  /results/{id}            - Get evaluation result by ID")
	fmt.Println("    GET  /profiles/{principalId}  - Get a principal's trust profile")
	fmt.Println("    GET  /triggers                - List scaling triggers")
	fmt.Println("    POST /triggers                - Create a scaling trigger")
	fmt.Println("    GET  /policies                - List scaling policies")
	fmt.Println("    POST /policies                - Create a scaling policy")
	fmt.Println("    POST /policies/reload         - Hot-reload triggers and policies")
	fmt.Println("    GET  /levels/{principalId}    - Current security levels")
	fmt.Println("    POST /adjustments             - Manual level override")
	fmt.Println("    POST /events/{id}/revoke      - Revoke a scaling event")
	fmt.Println("    GET  /health                  - Health check")
	fmt.Println()
}
