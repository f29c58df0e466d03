package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/subvault/subimport/internal/config"
	"github.com/subvault/subimport/internal/exporter"
	"github.com/subvault/subimport/internal/importer"
	"github.com/subvault/subimport/internal/logging"
	"github.com/subvault/subimport/internal/metrics"
	"github.com/subvault/subimport/internal/store"
	"github.com/subvault/subimport/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"import_max_concurrent", cfg.Import.MaxConcurrent,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}

	st := store.NewPostgres(pool)
	if err := st.Migrate(ctx); err != nil {
		slog.Error("failed to migrate schema", "error", err)
		os.Exit(1)
	}

	spool, err := importer.NewSpool(cfg.Import.SpoolDir, cfg.Import.MaxFileSize)
	if err != nil {
		slog.Error("failed to create spool directory", "error", err)
		os.Exit(1)
	}

	profiles, err := importer.LoadMappingDir(cfg.Import.MappingDir)
	if err != nil {
		slog.Error("failed to load mapping profiles", "error", err)
		os.Exit(1)
	}
	slog.Info("mapping profiles loaded", "count", len(profiles))
	slog.Debug("date validation rules", "order", importer.RuleNames())

	m := metrics.New()
	sched := exporter.NewScheduler(st, cfg.Export.Dir, cfg.Export.PageSize, cfg.Export.CheckInterval, slog.Default())
	sched.OnRows = func(n int) { m.ExportRows.Add(float64(n)) }

	server := web.NewServer(cfg, st, spool, sched, m, profiles, slog.Default())

	// Background export jobs run outside the request cycle.
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	go sched.Run(jobCtx)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil && err != http.ErrServerClosed {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
