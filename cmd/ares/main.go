// ARES server: records agent task evidence, verifies completed tasks,
// scores agent reliability, and enforces graded responses over HTTP and
// WebSocket.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/agentwatch/ares/pkg/api"
	"github.com/agentwatch/ares/pkg/config"
	"github.com/agentwatch/ares/pkg/core"
	"github.com/agentwatch/ares/pkg/database"
	"github.com/agentwatch/ares/pkg/metrics"
	"github.com/agentwatch/ares/pkg/rollback"
	"github.com/agentwatch/ares/pkg/store"
	"github.com/agentwatch/ares/pkg/verify"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("ARES_CONFIG", ""),
		"Path to YAML configuration file (empty = built-in defaults)")
	envPath := flag.String("env-file",
		getEnv("ARES_ENV_FILE", ".env"),
		"Path to .env file with database credentials")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	level, _ := cfg.SlogLevel()
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("Starting ARES", "addr", cfg.HTTP.Addr, "database", cfg.Database.Enabled)
	ctx := context.Background()

	// Stores: agents, tasks, and snapshots live in memory; the append-only
	// evidence, verdict, and enforcement logs go to PostgreSQL when a
	// database is configured so they survive restarts.
	var (
		dbClient    *database.Client
		evidence    store.EvidenceStore    = store.NewMemoryEvidenceStore()
		verdicts    store.VerdictStore     = store.NewMemoryVerdictStore()
		enforcement store.EnforcementStore = store.NewMemoryEnforcementStore()
	)
	if cfg.Database.Enabled {
		dbConfig, err := database.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		dbClient, err = database.NewClient(ctx, dbConfig)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		evidence = store.NewPostgresEvidenceStore(dbClient.DB())
		verdicts = store.NewPostgresVerdictStore(dbClient.DB())
		enforcement = store.NewPostgresEnforcementStore(dbClient.DB())
		slog.Info("Connected to PostgreSQL database")
	}

	// Tool schemas and restore handlers are registered at startup only.
	// Deployments extend these registries before the core starts serving.
	schemas := verify.NewSchemaRegistry()
	restoreHandlers := rollback.NewHandlerRegistry()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	verifyCfg := verify.DefaultConfig()
	verifyCfg.Deadline = cfg.Verification.Deadline

	svc := core.New(core.Deps{
		Agents:          store.NewMemoryAgentStore(),
		Tasks:           store.NewMemoryTaskStore(),
		Evidence:        evidence,
		Snapshots:       store.NewMemorySnapshotStore(),
		Verdicts:        verdicts,
		Enforcement:     enforcement,
		Schemas:         schemas,
		RestoreHandlers: restoreHandlers,
		Metrics:         metrics.New(registry),
		Options: core.Options{
			Verify:                     verifyCfg,
			SubscriberQueueSize:        cfg.Bus.SubscriberQueueSize,
			MaxConcurrentVerifications: cfg.Verification.MaxConcurrent,
			RestoreDeadline:            cfg.Restore.Deadline,
		},
	})

	server := api.NewServer(svc, dbClient, registry)
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      server.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Stop intake first so the core can drain; then close the listener.
	svc.Shutdown(ctx, cfg.ShutdownGrace)

	httpCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
