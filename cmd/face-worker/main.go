package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tendant/face-index-pipeline/internal/config"
	"github.com/tendant/face-index-pipeline/internal/logger"
	"github.com/tendant/face-index-pipeline/pkg/runner"
)

func main() {
	// Load .env file if it exists (silently ignore if not found)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := runner.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize face worker", "error", err)
	}

	log.Info("face worker configured",
		"queue", cfg.Storage.QueueURL,
		"faceTable", cfg.Storage.FaceTable,
		"objectStore", cfg.Storage.ObjectStore,
		"concurrency", cfg.Worker.Concurrency,
		"batchSize", cfg.Worker.BatchSize,
		"visibilityTimeout", cfg.Worker.VisibilityTimeout,
		"redis", cfg.Notify.RedisAddr != "",
		"durableSweeps", cfg.DBOS.DatabaseURL != "",
	)

	if err := r.Start(); err != nil {
		r.Shutdown(10 * time.Second)
		log.Fatal("failed to start face worker", "error", err)
	}

	// Wait for interrupt signal or a fatal server error
	select {
	case <-ctx.Done():
	case <-r.Done():
	}

	log.Info("shutting down face worker")
	r.Shutdown(30 * time.Second)
}
