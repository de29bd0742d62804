// Chronicle server — provides the HTTP API, manages queue workers, and
// orchestrates long-form narrative generation jobs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chroniclehq/chronicle/pkg/agent"
	"github.com/chroniclehq/chronicle/pkg/api"
	"github.com/chroniclehq/chronicle/pkg/cleanup"
	"github.com/chroniclehq/chronicle/pkg/config"
	"github.com/chroniclehq/chronicle/pkg/database"
	"github.com/chroniclehq/chronicle/pkg/engine"
	"github.com/chroniclehq/chronicle/pkg/llm"
	"github.com/chroniclehq/chronicle/pkg/queue"
	"github.com/chroniclehq/chronicle/pkg/store"
	"github.com/chroniclehq/chronicle/pkg/version"
)

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	envFile := flag.String("env-file", ".env", "Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	podID := resolvePodID()
	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting chronicle",
		"version", version.Full(),
		"pod_id", podID,
		"http_port", cfg.HTTPPort,
		"workers", cfg.Queue.WorkerCount)

	// 2. Database (runs migrations on startup)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Stores
	jobStore := store.NewJobStore(dbClient.DB())
	checkpointStore := store.NewCheckpointStore(dbClient.DB())
	manuscriptStore := store.NewManuscriptStore(dbClient.DB())

	// 4. LLM client and agents
	llmClient := llm.NewHTTPClient(llm.Config{
		BaseURL:           cfg.LLM.ProviderURL,
		APIKey:            cfg.LLM.APIKey,
		Model:             cfg.LLM.Model,
		MaxAttempts:       cfg.LLM.MaxAttempts,
		RequestTimeout:    cfg.LLM.RequestTimeout,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
	})
	slog.Info("LLM client initialized", "model", cfg.LLM.Model)

	orchestrator := engine.New(
		agent.NewPlanner(llmClient, cfg.Engine),
		agent.NewWriter(llmClient),
		agent.NewEditor(llmClient, cfg.Engine),
		agent.NewValidator(llmClient),
		checkpointStore,
		manuscriptStore,
		cfg.Engine,
	)
	executor := queue.NewEngineExecutor(orchestrator, jobStore)

	// 5. Worker pool (before HTTP server)
	workerPool := queue.NewWorkerPool(podID, jobStore, cfg.Queue, executor)
	if err := workerPool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 6. Retention sweeps
	cleanupService := cleanup.NewService(cfg.Retention, jobStore, checkpointStore)
	cleanupService.Start(ctx)

	// 7. HTTP server (non-blocking)
	apiServer := api.NewServer(dbClient, jobStore, manuscriptStore, workerPool)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Chronicle started successfully", "pod_id", podID)

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
		exitCode = 1
	}

	// 9. Graceful shutdown: stop accepting HTTP, then stop workers. In-flight
	// jobs checkpoint continuously, so abandoned work resumes elsewhere.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown error", "error", err)
	}

	cleanupService.Stop()

	done := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Worker pool shutdown timeout exceeded")
	}

	slog.Info("Chronicle shut down")
	os.Exit(exitCode)
}
