package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/venugopal1902/email-verifier/internal/app"
	"github.com/venugopal1902/email-verifier/internal/config"
	"github.com/venugopal1902/email-verifier/internal/pkg/distlock"
	"github.com/venugopal1902/email-verifier/internal/pkg/logger"
	"github.com/venugopal1902/email-verifier/internal/worker"
)

func main() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	app.InitLogger(cfg, "verifier-worker")
	log := logger.Named("worker")

	if cfg.Queue.Driver != "rabbitmq" {
		log.Fatal().Str("driver", cfg.Queue.Driver).Msg("the standalone worker needs a shared queue; set RABBITMQ_URL")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("initialise")
	}
	defer a.Close()
	go a.Ring.Start(ctx)

	// Republishes files whose worker died mid-run.
	recovery := worker.NewQueueRecoveryWorker(a.Files, a.Jobs, worker.DefaultRecoveryInterval, worker.DefaultStaleAge).
		WithLock(distlock.NewLock(nil, a.DB, "verifier:queue-recovery", 0))
	go recovery.Start(ctx)
	log.Info().Msg("queue recovery started")

	consumed := make(chan error, 1)
	go func() {
		consumed <- a.Jobs.Consume(ctx, a.Service.ProcessFile, a.Service.FailFile)
	}()
	log.Info().
		Str("queue", cfg.Queue.QueueName).
		Int("batch_size", cfg.Scheduler.BatchSize).
		Int("workers", cfg.Scheduler.Workers).
		Msg("worker running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutting down worker")
		cancel()
		// Committed batches are durable; an interrupted file resumes from
		// its last committed batch on redelivery.
		select {
		case <-consumed:
		case <-time.After(10 * time.Second):
			log.Warn().Msg("consumer did not stop in time")
		}
	case err := <-consumed:
		log.Error().Err(err).Msg("consumer stopped")
	}
	log.Info().Msg("worker stopped")
}
