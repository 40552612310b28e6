package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/koushole/bookrag/internal/app"
	"github.com/koushole/bookrag/internal/config"
	"github.com/koushole/bookrag/internal/logger"
	"github.com/koushole/bookrag/internal/queue"
)

// The worker drains the Redis ingestion queue. Soft outcomes complete the
// task; hard failures are retried by asynq.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadConfig()
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.RedisURL == "" {
		log.Fatal("REDIS_URL is required for the worker")
	}
	opt, err := queue.RedisConnOpt(cfg.RedisURL)
	if err != nil {
		log.Fatal("invalid REDIS_URL", "error", err)
	}
	if err := queue.Ping(ctx, cfg.RedisURL); err != nil {
		log.Fatal("redis unreachable", "error", err)
	}

	application, err := app.NewApp(ctx, cfg, log, "bookrag-worker")
	if err != nil {
		log.Fatal("startup failed", "error", err)
	}
	defer application.Close()

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Ingest.Workers,
		Queues:      map[string]int{queue.QueueIngest: 1},
		Logger:      queue.NewAsynqLogger(log),
	})
	mux := asynq.NewServeMux()
	queue.NewProcessor(application.Orchestrator, log).Register(mux)

	if err := srv.Start(mux); err != nil {
		log.Fatal("worker start failed", "error", err)
	}
	log.Info("worker started", "concurrency", cfg.Ingest.Workers)
	<-ctx.Done()
	srv.Shutdown()
	log.Info("worker stopped")
}
