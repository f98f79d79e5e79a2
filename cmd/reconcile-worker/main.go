package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/blueflame567/SyllabTrack/app"
	"github.com/blueflame567/SyllabTrack/app/billing"
	"github.com/blueflame567/SyllabTrack/app/config"
	"github.com/blueflame567/SyllabTrack/app/logger"

	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Queue.DeadLetterURL == "" {
		log.Fatal("DEADLETTER_QUEUE_URL environment variable is required")
	}
	if !cfg.DB.Enabled() {
		log.Fatal("POSTGRES_URL environment variable is required")
	}

	zl, err := logger.New(cfg.Logs)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zl.Sync()

	rt, err := app.Bootstrap(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("failed to initialize", zap.Error(err))
	}
	defer rt.Close()

	worker := billing.NewWorker(rt.SQS, cfg.Queue.DeadLetterURL, rt.Reconciler, zl)
	zl.Info("worker started", zap.String("queue", cfg.Queue.DeadLetterURL))
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		zl.Fatal("worker stopped", zap.Error(err))
	}
}
