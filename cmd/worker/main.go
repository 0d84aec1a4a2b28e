// Package main is the entry point for the Agendo worker process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/config"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/common/tracing"
	"github.com/agendo/agendo/internal/events/bus"
	"github.com/agendo/agendo/internal/queue"
	"github.com/agendo/agendo/internal/store"
	"github.com/agendo/agendo/internal/worker"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Agendo worker...", zap.String("worker_id", cfg.Worker.ID))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := store.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	log.Info("Connected to PostgreSQL")

	st, err := store.NewPostgresStore(ctx, db)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}

	q, err := queue.NewPostgresQueue(ctx, db)
	if err != nil {
		log.Fatal("Failed to initialize job queue", zap.Error(err))
	}

	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect to event bus", zap.Error(err))
	}
	defer eventBus.Close()

	w := worker.New(cfg, st, q, eventBus, log)
	if err := w.Run(ctx); err != nil {
		log.Fatal("Worker exited with error", zap.Error(err))
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := tracing.Shutdown(flushCtx); err != nil {
		log.Error("Trace flush error", zap.Error(err))
	}

	log.Info("Agendo worker stopped")
}
