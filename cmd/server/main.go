// Package main is the entrypoint for the rasterops API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kiranshivaraju/rasterops/internal/api"
	"github.com/kiranshivaraju/rasterops/internal/api/handler"
	mw "github.com/kiranshivaraju/rasterops/internal/api/middleware"
	"github.com/kiranshivaraju/rasterops/internal/api/response"
	"github.com/kiranshivaraju/rasterops/internal/assets"
	"github.com/kiranshivaraju/rasterops/internal/cache"
	"github.com/kiranshivaraju/rasterops/internal/calc"
	"github.com/kiranshivaraju/rasterops/internal/config"
	"github.com/kiranshivaraju/rasterops/internal/fusion"
	"github.com/kiranshivaraju/rasterops/internal/geoserver"
	"github.com/kiranshivaraju/rasterops/internal/jobs"
	"github.com/kiranshivaraju/rasterops/internal/metrics"
	"github.com/kiranshivaraju/rasterops/internal/ops"
	"github.com/kiranshivaraju/rasterops/internal/raster/gdalraster"
	"github.com/kiranshivaraju/rasterops/internal/store"
	"github.com/kiranshivaraju/rasterops/internal/tiling"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config; fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "database_driver", cfg.Database.Driver,
		"data_dir", cfg.Storage.DataDir, "geoserver", cfg.GeoServer.Enabled())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the catalog database and apply migrations
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// 3. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 4. Metrics registry
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 5. Raster engines
	backend := gdalraster.NewBackend()
	warper := gdalraster.NewWarper()
	proc := tiling.New(tiling.WithWorkers(cfg.Raster.TileWorkers))

	calculator := calc.New(calc.NewGDALCalc(cfg.Raster.CalcCommand, slog.Default()), backend)
	fuser := fusion.New(
		fusion.WithSeed(cfg.Raster.FusionSeed),
		fusion.WithReprojector(warper),
		fusion.WithProcessor(proc),
		fusion.WithBlockSize(cfg.Raster.BlockSize),
	)

	// 6. Job engine
	engine := jobs.New(st,
		jobs.WithWorkers(cfg.Jobs.Workers),
		jobs.WithQueueSize(cfg.Jobs.QueueSize),
		jobs.WithTraceLines(cfg.Jobs.TraceLines),
		jobs.WithStatusCache(redisCache, cfg.Jobs.StatusTTL),
		jobs.WithRecorder(m),
	)
	slog.Info("job engine started", "workers", cfg.Jobs.Workers, "queue_size", cfg.Jobs.QueueSize)

	// 7. Assets and the map catalog
	assetOpts := []assets.Option{assets.WithInspector(gdalraster.Inspect)}
	if cfg.GeoServer.Enabled() {
		gs := geoserver.NewHTTPClient(cfg.GeoServer.URL, cfg.GeoServer.User, cfg.GeoServer.Password,
			cfg.GeoServer.Workspace, cfg.GeoServer.Timeout)
		if err := gs.EnsureWorkspace(ctx, gs.Workspace()); err != nil {
			// Publishing retries the workspace check, so a cold GeoServer is not fatal.
			slog.Warn("geoserver workspace check failed", "error", err)
		}
		assetOpts = append(assetOpts, assets.WithPublisher(gs, gs.Workspace()))
	}
	assetSvc := assets.New(st, cfg.Storage.DataDir, assetOpts...)

	rasterOps := ops.New(engine, assetSvc, backend, calculator, fuser,
		ops.WithReprojector(warper),
		ops.WithProcessor(proc),
	)

	// 8. Build router with dependencies
	deps := api.Dependencies{
		RateLimit:   mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute),
		Metrics:     m,
		CORSOrigins: cfg.Server.CORSAllowOrigins,

		HealthHandler: healthHandler(st, redisCache),

		UploadAsset:   handler.NewUploadAssetHandler(assetSvc, handler.MaxUploadBytes),
		ListAssets:    handler.NewListAssetsHandler(assetSvc),
		GetAsset:      handler.NewGetAssetHandler(assetSvc),
		DownloadAsset: handler.NewDownloadAssetHandler(assetSvc),
		DeleteAsset:   handler.NewDeleteAssetHandler(assetSvc),
		PublishAsset:  handler.NewPublishAssetHandler(assetSvc),

		CalcHandler: handler.NewCalcHandler(rasterOps),
		FuseHandler: handler.NewFuseHandler(rasterOps),

		GetJob:    handler.NewGetJobHandler(st),
		JobStatus: handler.NewJobStatusHandler(engine),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		_ = engine.Shutdown(context.Background())
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("job engine shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// openStore connects the configured catalog database and migrates it.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
		db, err := store.OpenSQLite(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		if err := store.RunSQLiteMigrations(db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database connected", "driver", cfg.Database.Driver)
		return store.NewSQLiteStore(db), func() { db.Close() }, nil
	default:
		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		if err := store.RunMigrations(cfg.Database.URL); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database connected", "driver", cfg.Database.Driver)
		return store.NewPostgresStore(pool), pool.Close, nil
	}
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
