// Command telemd is the telemetry ingestion server: it admits client
// records, attributes crash backtraces to guilty frames, enforces the
// retention policy and serves the operator console.
//
// Usage:
//
//	telemd                         # run with defaults
//	telemd -config telemd.yaml     # run with config file
package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/telemd/collector"
	"github.com/hazyhaar/telemd/console"
	"github.com/hazyhaar/telemd/crash"
	"github.com/hazyhaar/telemd/dbopen"
	"github.com/hazyhaar/telemd/idgen"
	"github.com/hazyhaar/telemd/observability"
	"github.com/hazyhaar/telemd/purge"
	"github.com/hazyhaar/telemd/shield"
	"github.com/hazyhaar/telemd/vtq"
)

func main() {
	configPath := flag.String("config", "", "path to telemd.yaml config file")
	logLevel := flag.String("log-level", env("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	flag.Parse()

	var lvl slog.Level
	switch *logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath); err != nil {
		logger.Error("telemd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath string) error {
	cfg := collector.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = collector.LoadConfig(configPath)
		if err != nil {
			return err
		}
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.Listen = ":" + port
	}

	if err := os.MkdirAll(cfg.QuarantineDir, 0755); err != nil {
		return err
	}

	// Records DB carries the collector, attribution and queue tables.
	db, err := dbopen.Open(cfg.DBPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(collector.Schema),
		dbopen.WithSchema(crash.Schema),
	)
	if err != nil {
		return err
	}
	defer db.Close()

	// Observability DB is separate to keep event writes off the ingest path.
	obsDB, err := dbopen.Open(cfg.ObservabilityDBPath, dbopen.WithMkdirAll())
	if err != nil {
		return err
	}
	defer obsDB.Close()
	if err := observability.Init(obsDB); err != nil {
		return err
	}

	events := observability.NewEventLogger(obsDB,
		observability.WithEventIDGenerator(idgen.Prefixed("evt_", idgen.Default)),
	)

	heartbeat := observability.NewHeartbeatWriter(obsDB, "telemd", 15*time.Second)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	store := collector.NewStore(db)
	registry := crash.NewRegistry(db)

	queue := vtq.New(db, vtq.Options{Queue: "crash", Logger: logger})
	if err := queue.EnsureTable(ctx); err != nil {
		return err
	}

	worker := crash.NewWorker(store, registry,
		crash.WithWorkerEventLogger(events),
		crash.WithWorkerLogger(logger),
	)
	go queue.Run(ctx, worker.Handle)

	// Catch up on records left unprocessed by a previous run.
	go func() {
		if err := worker.ProcessAll(ctx); err != nil {
			logger.Error("startup sweep", "error", err)
		}
	}()

	purger := purge.New(db, cfg.Purge, purge.WithLogger(logger))
	go purger.RunDaily(ctx, 24*time.Hour)
	go retentionLoop(ctx, logger, obsDB, cfg.Retention)

	collectorHandler := collector.NewHandler(cfg, store,
		collector.WithQueue(queue, crash.IsCrashClassification),
		collector.WithEventLogger(events),
	)
	consoleHandler := console.NewHandler(store, registry, worker,
		console.WithSweepQueue(queue),
	)

	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack(cfg.MaxPayloadBytes(), cfg.RateLimits) {
		r.Use(mw)
	}

	collectorHandler.Routes(r)
	r.Route("/console", func(r chi.Router) {
		r.Use(console.BasicAuth(cfg.Console.User, cfg.Console.PasswordBcrypt))
		consoleHandler.Routes(r)
	})

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "telemd", Version: "1.0.0"}, nil)
	consoleHandler.RegisterMCP(mcpSrv)
	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil)
	r.Route("/mcp", func(r chi.Router) {
		r.Use(console.BasicAuth(cfg.Console.User, cfg.Console.PasswordBcrypt))
		r.Handle("/*", mcpHandler)
		r.Handle("/", mcpHandler)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		total, err := store.TotalRecords(r.Context())
		if err != nil {
			http.Error(w, "degraded", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","records_total":` + strconv.FormatInt(total, 10) + `}`))
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("telemd listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

// retentionLoop trims old observability rows once a day.
func retentionLoop(ctx context.Context, logger *slog.Logger, obsDB *sql.DB, cfg observability.RetentionConfig) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		if err := observability.Cleanup(ctx, obsDB, cfg); err != nil {
			logger.Error("observability cleanup", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
